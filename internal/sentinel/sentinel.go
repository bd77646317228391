// Package sentinel generates the prefix/suffix marker pair that Session uses
// to frame a single command's output inside the surrounding shell noise.
package sentinel

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	tokenLength = 8
	charset     = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// reserveTTL is how long a drawn token stays reserved against reuse by
	// another in-flight command in this process. It only needs to outlive a
	// single command's round trip, so it is set to a generous upper bound
	// on that, not to the lifetime of a session.
	reserveTTL = 30 * time.Second

	maxAttempts = 64
)

// Pair is the prefix/suffix marker pair bracketing a single command's output
// on the wire: "echo <Prefix> && <command>; echo <Suffix>".
type Pair struct {
	Prefix string
	Suffix string
}

// Generator draws sentinel pairs. It is safe for concurrent use.
type Generator struct {
	reserved *gocache.Cache
}

// New creates a Generator with its own collision-avoidance cache.
func New() *Generator {
	return &Generator{
		reserved: gocache.New(reserveTTL, reserveTTL),
	}
}

// Generate draws a Pair whose Prefix and Suffix are both unreserved at the
// time of the call, reserving both for reserveTTL before returning. This
// rules out the (vanishingly unlikely, at 8 chars from a 62-character
// alphabet) chance that two commands running concurrently on different
// sessions pick the same marker and one session's output bleeds into the
// other's framing. The original implementation accepted this risk silently;
// here it is cheap to rule out instead.
func (g *Generator) Generate(ctx context.Context) (Pair, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Pair{}, ctx.Err()
		default:
		}

		prefix := randomToken()
		suffix := randomToken()
		if prefix == suffix {
			continue
		}

		okPrefix, err := g.reserve(ctx, prefix)
		if err != nil {
			return Pair{}, err
		}
		okSuffix, err := g.reserve(ctx, suffix)
		if err != nil {
			return Pair{}, err
		}
		if okPrefix && okSuffix {
			return Pair{Prefix: prefix, Suffix: suffix}, nil
		}
	}

	return Pair{}, fmt.Errorf("sentinel: could not draw an unreserved token pair after %d attempts", maxAttempts)
}

// reserve reports whether tok was newly reserved by this call (true) versus
// already reserved by an earlier, still-live call (false). go-cache's Add
// only succeeds when the key is absent or expired, which is exactly the
// compare-and-set this needs.
func (g *Generator) reserve(ctx context.Context, tok string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	if err := g.reserved.Add(tok, struct{}{}, reserveTTL); err != nil {
		return false, nil
	}

	return true, nil
}

func randomToken() string {
	return RandomToken(tokenLength)
}

// RandomToken returns a random string of the given length drawn from the
// same charset as sentinel pairs, uncoordinated with any Generator's
// reservation cache. Session's handshake probe uses this for its one-shot
// 16-character echo token, which needs no collision avoidance since it is
// only ever compared against itself within a single handshake.
func RandomToken(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.IntN(len(charset))]
	}

	return string(b)
}
