// Package auth produces Lighter auth tokens for authenticated stream channels.
//
// A Signer is the boundary to whatever holds the account's API key. Tokens
// are produced by the venue's signer (lighter-go's TxClient.GetAuthToken or
// its shared library); this package only carries them. The Provider caches
// the tokens a Signer produces and refreshes them before they expire.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MaxTokenTTL is the longest validity the venue accepts for an auth token.
const MaxTokenTTL = 8 * time.Hour

// ErrNoTokenSource is returned when a token is required but no signer is
// configured.
var ErrNoTokenSource = errors.New("no auth token source configured")

// Signer creates auth tokens for an account. It is the stream client's only
// view of the signing subsystem.
type Signer interface {
	RequestAuthToken(ctx context.Context, accountIndex int64, apiKeyIndex uint8, expiry time.Time) (string, error)
}

// SignerFunc adapts a function to Signer, e.g. a closure over a lighter-go
// TxClient.
type SignerFunc func(ctx context.Context, accountIndex int64, apiKeyIndex uint8, expiry time.Time) (string, error)

// RequestAuthToken calls f.
func (f SignerFunc) RequestAuthToken(ctx context.Context, accountIndex int64, apiKeyIndex uint8, expiry time.Time) (string, error) {
	return f(ctx, accountIndex, apiKeyIndex, expiry)
}

// SigningError is returned by signers when a token could not be produced.
type SigningError struct {
	AccountIndex int64
	Err          error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign auth token for account %d: %v", e.AccountIndex, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// Environment passed to a CommandSigner's process.
const (
	EnvAccountIndex = "LIGHTER_ACCOUNT_INDEX"
	EnvAPIKeyIndex  = "LIGHTER_API_KEY_INDEX"
	EnvDeadline     = "LIGHTER_AUTH_DEADLINE" // unix seconds
)

// CommandSigner runs an external signer process for every token, such as a
// small wrapper around the lighter-go shared library's CreateAuthToken. The
// request is passed in the environment and the token is read from the first
// line of stdout.
type CommandSigner struct {
	Path string
	Args []string
	Env  []string // extra KEY=VALUE pairs
}

// NewCommandSigner builds a CommandSigner from an argv slice.
func NewCommandSigner(argv []string) (*CommandSigner, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("token command is empty")
	}
	return &CommandSigner{Path: argv[0], Args: argv[1:]}, nil
}

// RequestAuthToken implements Signer.
func (s *CommandSigner) RequestAuthToken(ctx context.Context, accountIndex int64, apiKeyIndex uint8, expiry time.Time) (string, error) {
	if ttl := time.Until(expiry); ttl > MaxTokenTTL {
		return "", &SigningError{AccountIndex: accountIndex, Err: fmt.Errorf("expiry %s exceeds max %s", ttl.Round(time.Second), MaxTokenTTL)}
	}

	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		EnvAccountIndex+"="+strconv.FormatInt(accountIndex, 10),
		EnvAPIKeyIndex+"="+strconv.Itoa(int(apiKeyIndex)),
		EnvDeadline+"="+strconv.FormatInt(expiry.Unix(), 10),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", &SigningError{AccountIndex: accountIndex, Err: err}
	}

	token, _, _ := strings.Cut(stdout.String(), "\n")
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &SigningError{AccountIndex: accountIndex, Err: errors.New("token command printed no token")}
	}
	return token, nil
}

// StaticSigner hands out a pre-issued token, e.g. one minted by an external
// signer and placed in config. It cannot refresh.
type StaticSigner struct {
	Token string
}

// RequestAuthToken implements Signer.
func (s StaticSigner) RequestAuthToken(_ context.Context, accountIndex int64, _ uint8, _ time.Time) (string, error) {
	if s.Token == "" {
		return "", &SigningError{AccountIndex: accountIndex, Err: ErrNoTokenSource}
	}
	return s.Token, nil
}
