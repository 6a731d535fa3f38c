package quote

import (
	"errors"
	"fmt"
)

// Kind sentinels. Match a *FetchError with errors.Is(err, ErrUpstream) etc.
var (
	ErrNetwork        = errors.New("network error")
	ErrDecode         = errors.New("decode error")
	ErrUpstream       = errors.New("upstream error")
	ErrTooManySymbols = errors.New("too many symbols")
	ErrNoSymbols      = errors.New("no symbols")
)

// Kind is the category of a FetchError.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindDecode
	KindUpstream
	KindTooManySymbols
)

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindDecode:
		return ErrDecode
	case KindUpstream:
		return ErrUpstream
	case KindTooManySymbols:
		return ErrTooManySymbols
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FetchError describes why a quote could not be produced.
type FetchError struct {
	Kind   Kind
	Symbol string
	// Status is the provider's HTTP status for KindUpstream.
	Status int
	// Limit is the configured batch cap for KindTooManySymbols.
	Limit int
	Err   error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindUpstream:
		if e.Err != nil {
			return fmt.Sprintf("%s: upstream status %d: %v", e.Symbol, e.Status, e.Err)
		}
		return fmt.Sprintf("%s: upstream status %d", e.Symbol, e.Status)
	case KindTooManySymbols:
		return fmt.Sprintf("too many symbols (max %d)", e.Limit)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Symbol, e.Kind)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel for e's kind.
func (e *FetchError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// NetworkError wraps a transport failure for symbol.
func NetworkError(symbol string, err error) *FetchError {
	return &FetchError{Kind: KindNetwork, Symbol: symbol, Err: err}
}

// DecodeError wraps a payload that did not match the expected schema.
func DecodeError(symbol string, err error) *FetchError {
	return &FetchError{Kind: KindDecode, Symbol: symbol, Err: err}
}

// UpstreamError records a non-2xx provider response.
func UpstreamError(symbol string, status int, err error) *FetchError {
	return &FetchError{Kind: KindUpstream, Symbol: symbol, Status: status, Err: err}
}

// TooManySymbolsError rejects a batch larger than limit.
func TooManySymbolsError(limit int) *FetchError {
	return &FetchError{Kind: KindTooManySymbols, Limit: limit}
}

// KindOf returns the kind of the first FetchError in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
