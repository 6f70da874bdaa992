// Package continuation encodes and decodes portable, versioned resumption
// tokens.
//
// A token lets a client resume a drain exactly where it stopped, after a
// crash or an explicit pause, possibly with a different release of this
// library. Tokens are JSON. Versions:
//   - V0: the bare backend continuation, no Version field at all
//   - V1: {"Version":"1.0","SourceContinuationToken":<source>}
//   - V2: {"Version":"2.0","QueryPlan":<optional>,"SourceContinuationToken":<source>}
//
// Older tokens are upgraded through a fixed chain of single-step upgrades
// (V0 -> V1 -> V2). Tokens newer than Latest are recognised as such and
// reported with ErrTokenFromTheFuture rather than as malformed, so callers
// can tell users to upgrade.
//
// # Basic Usage
//
//	tok, err := continuation.Parse(raw)
//	if err != nil {
//	    if continuation.IsFromTheFutureError(err) {
//	        // ask the user to upgrade
//	    }
//	    return err
//	}
//	latest, err := continuation.ConvertToLatest(tok)
package continuation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Token is a parsed continuation token of some version.
// The set of implementations is closed: TokenV0, TokenV1, TokenV2 and
// FutureToken.
type Token interface {
	// Version returns the token format version.
	Version() Version
	sealed()
}

// TokenV0 is a bare backend continuation.
type TokenV0 struct {
	Source json.RawMessage
}

// TokenV1 wraps a backend continuation with an explicit version.
type TokenV1 struct {
	SourceContinuation json.RawMessage
}

// TokenV2 adds an optional cached query plan. It is the latest form.
type TokenV2 struct {
	QueryPlan          json.RawMessage
	SourceContinuation json.RawMessage
}

// FutureToken is a token written by a newer release. Its payload is kept
// verbatim so it can be handed back unchanged.
type FutureToken struct {
	TokenVersion Version
	Raw          string
}

func (TokenV0) Version() Version       { return V0 }
func (TokenV1) Version() Version       { return V1 }
func (TokenV2) Version() Version       { return V2 }
func (t FutureToken) Version() Version { return t.TokenVersion }

func (TokenV0) sealed()     {}
func (TokenV1) sealed()     {}
func (TokenV2) sealed()     {}
func (FutureToken) sealed() {}

// FieldVersion is the JSON field that carries the token version.
const FieldVersion = "Version"

type wireV1 struct {
	Version                 Version         `json:"Version"`
	SourceContinuationToken json.RawMessage `json:"SourceContinuationToken"`
}

type wireV2 struct {
	Version                 Version         `json:"Version"`
	QueryPlan               json.RawMessage `json:"QueryPlan,omitempty"`
	SourceContinuationToken json.RawMessage `json:"SourceContinuationToken"`
}

// parsers holds one parser per known explicit version.
var parsers = map[Version]func(raw []byte) (Token, error){
	V1: parseV1,
	V2: parseV2,
}

func parseV1(raw []byte) (Token, error) {
	var w wireV1
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if isNull(w.SourceContinuationToken) {
		return nil, errors.New("missing SourceContinuationToken")
	}
	return TokenV1{SourceContinuation: w.SourceContinuationToken}, nil
}

func parseV2(raw []byte) (Token, error) {
	var w wireV2
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if isNull(w.SourceContinuationToken) {
		return nil, errors.New("missing SourceContinuationToken")
	}
	plan := w.QueryPlan
	if isNull(plan) {
		plan = nil
	}
	return TokenV2{QueryPlan: plan, SourceContinuation: w.SourceContinuationToken}, nil
}

// TryParse parses raw into a token.
//
// raw must be JSON. A JSON object with a Version field is dispatched to the
// parser for that version; any other JSON value is a V0 token. Versions
// newer than Latest yield a FutureToken. Returns false for anything that is
// not JSON, has an unparseable or unknown version, or lacks required fields.
func TryParse(raw string) (Token, bool) {
	tok, err := Parse(raw)
	if err != nil {
		var future *FutureTokenError
		if errors.As(err, &future) {
			return FutureToken{TokenVersion: future.Version, Raw: raw}, true
		}
		return nil, false
	}
	return tok, true
}

// Parse is like TryParse but reports why parsing failed. Tokens from the
// future return a *FutureTokenError; everything else a *MalformedTokenError.
func Parse(raw string) (Token, error) {
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 || !json.Valid(data) {
		return nil, malformed(raw, errors.New("not JSON"))
	}
	if data[0] != '{' {
		return TokenV0{Source: json.RawMessage(data)}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, malformed(raw, err)
	}
	rawVersion, ok := fields[FieldVersion]
	if !ok {
		return TokenV0{Source: json.RawMessage(data)}, nil
	}

	var v Version
	if err := json.Unmarshal(rawVersion, &v); err != nil {
		return nil, malformed(raw, err)
	}
	if v.Compare(Latest) > 0 {
		return nil, &FutureTokenError{Version: v}
	}
	parse, ok := parsers[v]
	if !ok {
		return nil, malformed(raw, fmt.Errorf("unknown version %s", v))
	}
	tok, err := parse(data)
	if err != nil {
		return nil, malformed(raw, err)
	}
	return tok, nil
}

// IsFromTheFuture reports whether tok is newer than Latest.
// Check this before treating a failed ConvertToLatest as corruption.
func IsFromTheFuture(tok Token) bool {
	return tok != nil && tok.Version().Compare(Latest) > 0
}

// upgrades maps each version to the step that lifts it to its immediate
// successor. Adding a version means adding one entry; earlier steps stay
// untouched.
var upgrades = map[Version]func(Token) Token{
	V0: upgradeV0ToV1,
	V1: upgradeV1ToV2,
}

func upgradeV0ToV1(t Token) Token {
	v0 := t.(TokenV0)
	return TokenV1{SourceContinuation: v0.Source}
}

func upgradeV1ToV2(t Token) Token {
	v1 := t.(TokenV1)
	return TokenV2{SourceContinuation: v1.SourceContinuation}
}

// ConvertToLatest lifts tok through the upgrade chain to the latest form.
// Each step is a lossless structural wrap.
func ConvertToLatest(tok Token) (TokenV2, error) {
	if tok == nil {
		return TokenV2{}, malformed("", errors.New("nil token"))
	}
	if IsFromTheFuture(tok) {
		return TokenV2{}, &FutureTokenError{Version: tok.Version()}
	}
	for {
		if latest, ok := tok.(TokenV2); ok {
			return latest, nil
		}
		up, ok := upgrades[tok.Version()]
		if !ok {
			return TokenV2{}, malformed("", fmt.Errorf("no upgrade from version %s", tok.Version()))
		}
		tok = up(tok)
	}
}

// Serialize renders tok in its own version's wire format.
func Serialize(tok Token) (string, error) {
	switch t := tok.(type) {
	case TokenV0:
		if len(t.Source) == 0 {
			return "", errors.New("empty V0 source")
		}
		return string(t.Source), nil
	case TokenV1:
		return marshal(wireV1{Version: V1, SourceContinuationToken: t.SourceContinuation})
	case TokenV2:
		return marshal(wireV2{Version: V2, QueryPlan: t.QueryPlan, SourceContinuationToken: t.SourceContinuation})
	case FutureToken:
		return t.Raw, nil
	default:
		return "", fmt.Errorf("unsupported token type %T", tok)
	}
}

// New wraps a backend continuation in a latest-version token.
func New(source json.RawMessage) TokenV2 {
	return TokenV2{SourceContinuation: source}
}

// WithQueryPlan returns a copy of t carrying the given cached plan.
func (t TokenV2) WithQueryPlan(plan json.RawMessage) TokenV2 {
	t.QueryPlan = plan
	return t
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
