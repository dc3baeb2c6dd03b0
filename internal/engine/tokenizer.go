package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	json "github.com/goccy/go-json"
)

type tokenizerJSON struct {
	Model struct {
		Type  string            `json:"type"`
		Vocab map[string]uint32 `json:"vocab"`
	} `json:"model"`
	Decoder *struct {
		Type string `json:"type"`
	} `json:"decoder"`
	AddedTokens []struct {
		ID      uint32 `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type decodeScheme int

const (
	byteLevel decodeScheme = iota
	metaspace
)

// Tokenizer turns ids back into text for a tokenizer.json vocabulary.
// Only decoding is needed for captioning.
type Tokenizer struct {
	vocab       []string
	ids         map[string]uint32
	special     map[uint32]bool
	scheme      decodeScheme
	byteDecoder map[rune]byte
}

// LoadTokenizer reads a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTokenizer(data)
}

// ParseTokenizer builds a Tokenizer from tokenizer.json contents.
func ParseTokenizer(data []byte) (*Tokenizer, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, errors.New("parse tokenizer: empty vocabulary")
	}

	maxID := uint32(0)
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}

	t := &Tokenizer{
		vocab:       make([]string, maxID+1),
		ids:         make(map[string]uint32, len(tj.Model.Vocab)+len(tj.AddedTokens)),
		special:     make(map[uint32]bool),
		byteDecoder: unicodeToBytes(),
	}
	for tok, id := range tj.Model.Vocab {
		t.vocab[id] = tok
		t.ids[tok] = id
	}
	for _, at := range tj.AddedTokens {
		t.vocab[at.ID] = at.Content
		t.ids[at.Content] = at.ID
		if at.Special {
			t.special[at.ID] = true
		}
	}
	if tj.Decoder != nil && tj.Decoder.Type == "Metaspace" {
		t.scheme = metaspace
	}
	return t, nil
}

// VocabSize is the number of addressable ids.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// TokenID looks up the id of an exact token string.
func (t *Tokenizer) TokenID(tok string) (uint32, bool) {
	id, ok := t.ids[tok]
	return id, ok
}

// IsSpecial reports whether id is a special (control) token.
func (t *Tokenizer) IsSpecial(id uint32) bool {
	return t.special[id]
}

// Decode reconstructs text. Invalid UTF-8 from a split multi-byte
// character becomes U+FFFD.
func (t *Tokenizer) Decode(ids []uint32, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if int(id) >= len(t.vocab) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if t.special[id] {
			if !skipSpecial {
				b = append(b, t.vocab[id]...)
			}
			continue
		}
		tok := t.vocab[id]
		switch t.scheme {
		case metaspace:
			b = append(b, strings.ReplaceAll(tok, "▁", " ")...)
		default:
			for _, r := range tok {
				if by, ok := t.byteDecoder[r]; ok {
					b = append(b, by)
				} else {
					b = append(b, string(r)...)
				}
			}
		}
	}
	s := strings.ToValidUTF8(string(b), "�")
	if t.scheme == metaspace {
		s = strings.TrimPrefix(s, " ")
	}
	return s, nil
}

// unicodeToBytes inverts the byte-level BPE alphabet, where every byte is
// mapped to a printable rune.
func unicodeToBytes() map[rune]byte {
	dec := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			dec[rune(b)] = byte(b)
			continue
		}
		dec[rune(256+n)] = byte(b)
		n++
	}
	return dec
}

// TokenStream decodes ids incrementally. It only releases text once the
// decoded suffix ends in a letter or digit, so multi-byte characters and
// sub-word pieces are never emitted half-formed.
type TokenStream struct {
	tok    *Tokenizer
	tokens []uint32
	prev   int
	cur    int
}

// NewTokenStream wraps tok.
func NewTokenStream(tok *Tokenizer) *TokenStream {
	return &TokenStream{tok: tok}
}

// Next implements domain.TokenStream.
func (s *TokenStream) Next(id uint32) (string, bool, error) {
	prevText := ""
	if len(s.tokens) > 0 {
		var err error
		prevText, err = s.tok.Decode(s.tokens[s.prev:s.cur], true)
		if err != nil {
			return "", false, err
		}
	}

	s.tokens = append(s.tokens, id)
	text, err := s.tok.Decode(s.tokens[s.prev:], true)
	if err != nil {
		s.tokens = s.tokens[:len(s.tokens)-1]
		return "", false, err
	}

	if len(text) > len(prevText) && endsAlphanumeric(text) {
		s.prev = s.cur
		s.cur = len(s.tokens)
		return text[len(prevText):], true, nil
	}
	return "", false, nil
}

// Flush implements domain.TokenStream and returns whatever is still held.
func (s *TokenStream) Flush() (string, bool, error) {
	prevText := ""
	if len(s.tokens) > 0 {
		var err error
		prevText, err = s.tok.Decode(s.tokens[s.prev:s.cur], true)
		if err != nil {
			return "", false, err
		}
	}
	text, err := s.tok.Decode(s.tokens[s.prev:], true)
	if err != nil {
		return "", false, err
	}
	if len(text) > len(prevText) {
		s.prev = s.cur
		s.cur = len(s.tokens)
		return text[len(prevText):], true, nil
	}
	return "", false, nil
}

// Reset implements domain.TokenStream.
func (s *TokenStream) Reset() {
	s.tokens = s.tokens[:0]
	s.prev = 0
	s.cur = 0
}

// Tokens returns the ids seen since the last Reset.
func (s *TokenStream) Tokens() []uint32 {
	return s.tokens
}

func endsAlphanumeric(s string) bool {
	r := []rune(s)
	if len(r) == 0 {
		return false
	}
	last := r[len(r)-1]
	return unicode.IsLetter(last) || unicode.IsDigit(last) || unicode.IsNumber(last)
}
