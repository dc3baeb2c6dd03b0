package api

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"caption-server/internal/domain"
)

const (
	assetPrefix   = "index-"
	indexDocument = "index.html"
	assetsSubdir  = "assets"

	defaultAssetCacheSize = 64
)

// Asset is one static file ready to be served.
type Asset struct {
	Name        string
	ContentType string
	Content     []byte
}

// AssetStore serves the bundled frontend. Files are immutable after
// startup, so reads are cached without invalidation.
type AssetStore struct {
	root  string
	cache *lru.Cache[string, *Asset]
}

// NewAssetStore serves root/index.html and root/assets/index-*.
func NewAssetStore(root string, cacheSize int) (*AssetStore, error) {
	if cacheSize <= 0 {
		cacheSize = defaultAssetCacheSize
	}
	cache, err := lru.New[string, *Asset](cacheSize)
	if err != nil {
		return nil, err
	}
	return &AssetStore{root: root, cache: cache}, nil
}

// Index returns the landing document. A missing file yields an empty page.
func (s *AssetStore) Index() (*Asset, error) {
	a, err := s.load(indexDocument, filepath.Join(s.root, indexDocument), "text/html; charset=utf-8")
	if errors.Is(err, fs.ErrNotExist) {
		return &Asset{Name: indexDocument, ContentType: "text/html; charset=utf-8"}, nil
	}
	return a, err
}

// Asset returns a script or stylesheet by file name. Only build outputs
// (index-*) are served; anything else is not found.
func (s *AssetStore) Asset(name string) (*Asset, error) {
	if !ValidAssetName(name) {
		return nil, domain.ErrNotFound("asset not found").WithParam("filename")
	}

	a, err := s.load(assetsSubdir+"/"+name, filepath.Join(s.root, assetsSubdir, name), assetContentType(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound("asset not found").WithParam("filename")
	}
	return a, err
}

// Len reports how many files are cached.
func (s *AssetStore) Len() int {
	return s.cache.Len()
}

func (s *AssetStore) load(key, path, contentType string) (*Asset, error) {
	if a, ok := s.cache.Get(key); ok {
		return a, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a := &Asset{Name: key, ContentType: contentType, Content: data}
	s.cache.Add(key, a)
	return a, nil
}

// ValidAssetName accepts index-prefixed names without path components.
func ValidAssetName(name string) bool {
	if !strings.HasPrefix(name, assetPrefix) {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

func assetContentType(name string) string {
	if strings.HasSuffix(name, ".js") {
		return "application/javascript"
	}
	return "text/css"
}
