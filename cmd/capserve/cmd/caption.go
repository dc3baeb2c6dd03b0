package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	json "github.com/goccy/go-json"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var captionCmd = &cobra.Command{
	Use:   "caption <image>",
	Short: "Caption an image with a running server",
	Long: `Upload an image to a running capserve instance and print the caption as
it streams in.

Examples:
  capserve caption ./note.png
  capserve caption --server http://10.0.0.5:3000 ./scan.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		quiet, _ := cmd.Flags().GetBool("quiet")
		plain, _ := cmd.Flags().GetBool("plain")

		out := cmd.OutOrStdout()
		if quiet || plain || !isTerminal(out) {
			_, err := streamCaption(cmd.Context(), serverURL, args[0], &captionPrinter{
				out:   out,
				quiet: quiet,
			})
			return err
		}
		return runCaptionTUI(cmd.Context(), serverURL, args[0], out)
	},
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func init() {
	captionCmd.Flags().String("server", "http://127.0.0.1:3000", "Base URL of the caption server")
	captionCmd.Flags().BoolP("quiet", "q", false, "Only print the caption")
	captionCmd.Flags().Bool("plain", false, "Print events line by line instead of the live view")

	rootCmd.AddCommand(captionCmd)
}

// ============================================================================
// Styles
// ============================================================================

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#aaaaaa")).
			Italic(true)

	captionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98c379")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff5555")).
			Bold(true)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575"))
)

// streamEvent is one decoded frame of the caption stream.
type streamEvent struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

func (e streamEvent) isToken() bool { return e.Status == "token" }

// eventSink receives every decoded event in stream order.
type eventSink interface {
	handle(ev streamEvent)
}

// captionPrinter writes events line by line.
type captionPrinter struct {
	out      io.Writer
	quiet    bool
	inTokens bool
}

func (p *captionPrinter) handle(ev streamEvent) {
	if ev.isToken() {
		p.inTokens = true
		fmt.Fprint(p.out, captionStyle.Render(ev.Token))
		return
	}
	if p.inTokens {
		fmt.Fprintln(p.out)
		p.inTokens = false
	}
	if p.quiet {
		if strings.HasPrefix(ev.Status, "Error: ") {
			fmt.Fprintln(p.out, errorStyle.Render(ev.Status))
		}
		return
	}
	switch {
	case strings.HasPrefix(ev.Status, "Error: "):
		fmt.Fprintln(p.out, errorStyle.Render(ev.Status))
	case ev.Status == "Done":
		fmt.Fprintln(p.out, doneStyle.Render("✓ Done"))
	default:
		fmt.Fprintln(p.out, statusStyle.Render(ev.Status))
	}
}

// streamCaption uploads path and feeds every event to sink. It returns the
// concatenated caption.
func streamCaption(ctx context.Context, serverURL, path string, sink eventSink) (string, error) {
	body, contentType, err := imageForm(path)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/api/cap", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("server error: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var caption strings.Builder
	var failure error
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return caption.String(), err
		}

		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return caption.String(), fmt.Errorf("malformed event %q: %w", line, err)
		}
		if ev.isToken() {
			caption.WriteString(ev.Token)
		} else if msg, ok := strings.CutPrefix(ev.Status, "Error: "); ok {
			failure = errors.New(msg)
		}
		if sink != nil {
			sink.handle(ev)
		}
	}

	return caption.String(), failure
}

func imageForm(path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &body, mw.FormDataContentType(), nil
}
