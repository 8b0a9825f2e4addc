package tracking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/nimasrn/campaign-engine/pkg/prom"
)

const (
	tokenBytes = 32
	// TokenLength is the encoded length of every issued token.
	TokenLength = 43

	PixelPath = "/api/v1/track/"
)

// transparent 1x1 PNG
var pixel = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, 0x89, 0x00, 0x00, 0x00,
	0x0A, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82,
}

var (
	bodyClose  = regexp.MustCompile(`(?i)</body>`)
	pixelToken = regexp.MustCompile(`/api/v1/track/([A-Za-z0-9_-]{43})\.png`)
	tokenChars = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
)

// OpenRecorder persists one open of the record carrying token.
type OpenRecorder interface {
	RecordOpen(ctx context.Context, token string, at time.Time) (bool, error)
}

type Service struct {
	baseURL string
	store   OpenRecorder
	now     func() time.Time
}

func NewService(baseURL string, store OpenRecorder) *Service {
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		now:     time.Now,
	}
}

// IssueToken returns a fresh unguessable token.
func (s *Service) IssueToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("issue tracking token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *Service) PixelURL(token string) string {
	return s.baseURL + PixelPath + token + ".png"
}

// Embed places the tracking pixel before the last </body>, or at the end of
// html when there is none.
func (s *Service) Embed(html, token string) string {
	img := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`, s.PixelURL(token))

	loc := bodyClose.FindAllStringIndex(html, -1)
	if len(loc) == 0 {
		return html + img
	}
	at := loc[len(loc)-1][0]
	return html[:at] + img + html[at:]
}

// ExtractToken finds the token of an embedded pixel.
func ExtractToken(html string) (string, bool) {
	m := pixelToken.FindAllStringSubmatch(html, -1)
	if len(m) == 0 {
		return "", false
	}
	return m[len(m)-1][1], true
}

// ValidToken reports whether token has the shape of an issued token.
func ValidToken(token string) bool {
	return tokenChars.MatchString(token)
}

// TokenFromFile strips the .png suffix of a pixel request path segment.
func TokenFromFile(file string) (string, bool) {
	token, ok := strings.CutSuffix(file, ".png")
	if !ok || !ValidToken(token) {
		return "", false
	}
	return token, true
}

// RecordOpen counts an open for token. Malformed tokens never reach storage.
func (s *Service) RecordOpen(ctx context.Context, token string) (bool, error) {
	if !ValidToken(token) {
		return false, nil
	}
	ok, err := s.store.RecordOpen(ctx, token, s.now())
	if err != nil {
		return false, fmt.Errorf("record open: %w", err)
	}
	if ok {
		prom.IncOpen()
	} else {
		logger.Debug("[tracking] open for unknown token")
	}
	return ok, nil
}

// Pixel returns the image served for every tracking request.
func Pixel() []byte {
	return pixel
}
