package store

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"
)

var httpClient = &http.Client{Transport: &http.Transport{
	// http.DefaultMaxIdleConnsPerHost is 2, which is not enough for
	// fetching many small chunks concurrently.
	MaxIdleConnsPerHost: 10,
	// Chunks are zstd-compressed already.
	DisableCompression: true,
}}

// A Remote reads chunks from a store served over HTTP, e.g. by cdar export.
type Remote struct {
	base string
	dec  *zstd.Decoder
}

func NewRemote(base string) (*Remote, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Remote{base: strings.TrimSuffix(base, "/"), dec: dec}, nil
}

func (s *Remote) Get(ctx context.Context, digest [32]byte) ([]byte, error) {
	chunkURL := s.base + "/" + chunkName(digest)
	req, err := http.NewRequest("GET", chunkURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &ErrNotFound{Digest: digest}
	default:
		return nil, xerrors.Errorf("%s: HTTP status %v", chunkURL, resp.Status)
	}
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return s.dec.DecodeAll(b, nil)
}

// Close releases the shared decompressor state.
func (s *Remote) Close() error {
	s.dec.Close()
	return nil
}

var _ Source = (*Remote)(nil)
