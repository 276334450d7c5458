package game

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	MinMultiplier = Multiplier(100)

	privateSeedBytes = 256

	// The derivation constants are part of the published odds. Changing any
	// of them breaks third-party verification of past rounds.
	specialCaseMod    = 2000
	specialCrashPoint = Multiplier(109)
	hashSliceLen      = 13
)

// GeneratePrivateSeed returns a fresh high-entropy private seed and its
// SHA256 commitment. The hash is safe to publish immediately; the seed is
// revealed only after the round ends.
func GeneratePrivateSeed() (seed, hash string) {
	b := make([]byte, privateSeedBytes)
	rand.Read(b)
	seed = hex.EncodeToString(b)
	return seed, HashCommitment(seed)
}

// HashCommitment computes the published commitment for a private seed.
func HashCommitment(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// DeriveCrashPoint maps a seed pair to a crash multiplier in hundredths.
//
// digest = hex(HMAC-SHA256(key=privateSeed, msg=publicSeed)). If the first
// 8 hex chars, read as an integer, are divisible by 2000 the round crashes
// at 1.09x. Otherwise h is the first 13 hex chars (52 bits) and the crash
// point is floor((100*2^52 - h) / (2^52 - h)), which gives P(crash >= x)
// close to 1/x. Pure integer arithmetic so anyone can re-derive the exact
// value from the revealed seeds.
func DeriveCrashPoint(privateSeed, publicSeed string) Multiplier {
	mac := hmac.New(sha256.New, []byte(privateSeed))
	mac.Write([]byte(publicSeed))
	digest := hex.EncodeToString(mac.Sum(nil))

	head, _ := strconv.ParseUint(digest[:8], 16, 64)
	if head%specialCaseMod == 0 {
		return specialCrashPoint
	}

	h, _ := strconv.ParseUint(digest[:hashSliceLen], 16, 64)
	e := uint64(1) << 52
	return Multiplier((100*e - h) / (e - h))
}

// VerifyRound re-derives the crash point from revealed seeds and checks it
// against the claimed value.
func VerifyRound(privateSeed, publicSeed string, claimed Multiplier) bool {
	return DeriveCrashPoint(privateSeed, publicSeed) == claimed
}

// SeedSource supplies the public half of the fairness material from a
// source the server does not control.
type SeedSource interface {
	PublicSeed(ctx context.Context) (string, error)
}

// BeaconSource fetches the public seed from an external randomness beacon
// over HTTP. The response body is used verbatim (trimmed).
type BeaconSource struct {
	URL    string
	Client *http.Client
}

func NewBeaconSource(url string) *BeaconSource {
	return &BeaconSource{URL: url, Client: http.DefaultClient}
}

func (s *BeaconSource) PublicSeed(ctx context.Context) (string, error) {
	if s.URL == "" {
		return "", fmt.Errorf("no seed beacon configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("seed beacon request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("seed beacon status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}
	seed := strings.TrimSpace(string(body))
	if seed == "" {
		return "", fmt.Errorf("seed beacon returned empty body")
	}
	return seed, nil
}

// fallbackPublicSeed is used when the beacon is unreachable. The round
// still completes, but it is flagged unverifiable because the public seed
// was not externally sourced.
func fallbackPublicSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
