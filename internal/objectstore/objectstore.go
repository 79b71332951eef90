package objectstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/narrator/internal/chunkstore"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrBadSignature = errors.New("invalid or expired signature")
	ErrInvalidName  = errors.New("invalid object name")
)

// Location is where a stored object can be fetched from. Ref is either a
// stable filesystem path or a time-limited signed URL; callers treat both as
// an opaque reference.
type Location struct {
	Ref       string     `json:"location"`
	Size      int64      `json:"size"`
	Checksum  string     `json:"checksum,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Store accepts finalized artifacts and generated media.
type Store interface {
	Put(ctx context.Context, art chunkstore.Artifact) (Location, error)
	PutBytes(ctx context.Context, sessionID, name string, data []byte) (Location, error)
	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, sessionID, name string) error
}

type LocalConfig struct {
	Root string
	// BaseURL enables signed URLs, e.g. https://narrator.example.com.
	BaseURL string
	Secret  string
	TTL     time.Duration
}

// Local keeps objects under Root/<session>/<name>.
type Local struct {
	cfg LocalConfig
	now func() time.Time
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Root == "" {
		return nil, errors.New("objectstore: root directory required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Local{cfg: cfg, now: time.Now}, nil
}

func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// Path returns the on-disk path of an object.
func (l *Local) Path(sessionID, name string) (string, error) {
	if !validName(sessionID) || !validName(name) {
		return "", ErrInvalidName
	}
	p := filepath.Join(l.cfg.Root, sessionID, name)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return p, nil
}

func (l *Local) Put(ctx context.Context, art chunkstore.Artifact) (Location, error) {
	src, err := os.Open(art.Path)
	if err != nil {
		return Location{}, fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	name := string(art.Kind) + filepath.Ext(art.Path)
	loc, err := l.write(ctx, art.SessionID, name, src)
	if err != nil {
		return Location{}, err
	}
	loc.Checksum = art.Checksum
	return loc, nil
}

func (l *Local) PutBytes(ctx context.Context, sessionID, name string, data []byte) (Location, error) {
	return l.write(ctx, sessionID, name, bytes.NewReader(data))
}

func (l *Local) Delete(ctx context.Context, sessionID, name string) error {
	if !validName(sessionID) || !validName(name) {
		return ErrInvalidName
	}
	err := os.Remove(filepath.Join(l.cfg.Root, sessionID, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object %s/%s: %w", sessionID, name, err)
	}
	return nil
}

func (l *Local) write(ctx context.Context, sessionID, name string, r io.Reader) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	if !validName(sessionID) || !validName(name) {
		return Location{}, ErrInvalidName
	}

	dir := filepath.Join(l.cfg.Root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Location{}, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return Location{}, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Location{}, fmt.Errorf("write object %s/%s: %w", sessionID, name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Location{}, err
	}

	loc := Location{Ref: path, Size: n}
	if l.cfg.BaseURL != "" && l.cfg.Secret != "" {
		exp := l.now().Add(l.cfg.TTL).UTC().Truncate(time.Second)
		loc.Ref = l.signedURL(sessionID, name, exp)
		loc.ExpiresAt = &exp
	}
	return loc, nil
}

func (l *Local) sign(sessionID, name string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(l.cfg.Secret))
	fmt.Fprintf(mac, "%s/%s:%d", sessionID, name, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Local) signedURL(sessionID, name string, exp time.Time) string {
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp.Unix(), 10))
	q.Set("sig", l.sign(sessionID, name, exp.Unix()))
	return fmt.Sprintf("%s/media/%s/%s?%s", l.cfg.BaseURL, url.PathEscape(sessionID), url.PathEscape(name), q.Encode())
}

// Verify checks a signed URL's query parameters.
func (l *Local) Verify(sessionID, name, expires, sig string) error {
	if l.cfg.Secret == "" {
		return ErrBadSignature
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || l.now().Unix() > exp {
		return ErrBadSignature
	}
	want := l.sign(sessionID, name, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}
