// Package apperr: классификация ошибок клиента: валидация, авторизация,
// сеть, таймаут и отброшенные устаревшие результаты.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNoActiveConversation = fmt.Errorf("%w: no active conversation", ErrValidation)
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrNetwork              = errors.New("network error")
	ErrTimeout              = errors.New("timeout")
	// ErrStaleResult не показывается пользователю: результат пришёл после смены контекста и отброшен.
	ErrStaleResult = errors.New("stale result discarded")
)

// Error связывает операцию, вид ошибки и исходную причину.
type Error struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(op, msg string) error {
	return &Error{Op: op, Kind: ErrValidation, Msg: msg}
}

func NoActiveConversation(op string) error {
	return &Error{Op: op, Kind: ErrNoActiveConversation}
}

func NotAuthenticated(op string) error {
	return &Error{Op: op, Kind: ErrNotAuthenticated}
}

func Network(op string, err error) error {
	return &Error{Op: op, Kind: ErrNetwork, Err: err}
}

func Timeout(op string, err error) error {
	return &Error{Op: op, Kind: ErrTimeout, Err: err}
}

func Stale(op string) error {
	return &Error{Op: op, Kind: ErrStaleResult}
}

// Classify приводит ошибку транспорта к одному из видов. Уже классифицированные ошибки не меняются.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Op: op, Kind: ErrStaleResult, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout(op, err)
	}
	return Network(op, err)
}

// Transient: ошибки, которые имеет смысл повторить вручную.
func Transient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
