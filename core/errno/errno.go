/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package errno bridges the kernel's internal errors, which wrap the
// small closed set of errdefs sentinel classes, onto the stable
// numeric/string syscall error vocabulary of the Lily ABI.
package errno

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Code is one of the stable syscall error codes from the Lily ABI.
// Wire-compatible: once assigned, a Code's meaning never changes.
type Code string

const (
	SUCCESS    Code = "SUCCESS"
	INVAL      Code = "INVAL"
	ALREADY    Code = "ALREADY"
	NOT        Code = "NOT"
	PERMISSION Code = "PERMISSION"
	AIDDNE     Code = "AIDDNE"
	BIDDNE     Code = "BIDDNE"
	ANODNE     Code = "ANODNE"
	BDDNE      Code = "BDDNE"
	NOMEM      Code = "NOMEM"
	OAIDDNE    Code = "OAIDDNE"
	IAIDDNE    Code = "IAIDDNE"
	OANODNE    Code = "OANODNE"
	IANODNE    Code = "IANODNE"
	EXISTS     Code = "EXISTS"
	BADTEXT    Code = "BADTEXT"
)

// codeErr pairs a wire code with the errdefs sentinel it wraps, so a
// single value satisfies both errors.Is(err, errdefs.ErrNotFound) and
// errno.Of(err) == errno.AIDDNE.
type codeErr struct {
	code Code
	err  error
}

func (e *codeErr) Error() string { return e.err.Error() }
func (e *codeErr) Unwrap() error { return e.err }

// New builds an error carrying both a wire Code and a message, wrapping
// the errdefs sentinel that Code corresponds to.
func New(code Code, format string, args ...interface{}) error {
	return &codeErr{code: code, err: fmt.Errorf(format+": %w", append(args, sentinel(code))...)}
}

// Of classifies err back down to its wire Code. Unrecognized errors
// that still match an errdefs sentinel are classified generically;
// anything else is reported as INVAL, the ABI's catch-all.
func Of(err error) Code {
	if err == nil {
		return SUCCESS
	}
	var ce *codeErr
	if errors.As(err, &ce) {
		return ce.code
	}
	switch {
	case errdefs.IsNotFound(err):
		return NOT
	case errdefs.IsAlreadyExists(err):
		return ALREADY
	case errdefs.IsInvalidArgument(err):
		return INVAL
	case errdefs.IsPermissionDenied(err):
		return PERMISSION
	case errdefs.IsResourceExhausted(err):
		return NOMEM
	case errdefs.IsFailedPrecondition(err):
		return INVAL
	}
	return INVAL
}

func sentinel(code Code) error {
	switch code {
	case AIDDNE, BIDDNE, ANODNE, BDDNE, OAIDDNE, IAIDDNE, OANODNE, IANODNE, NOT:
		return errdefs.ErrNotFound
	case EXISTS, ALREADY:
		return errdefs.ErrAlreadyExists
	case PERMISSION:
		return errdefs.ErrPermissionDenied
	case NOMEM:
		return errdefs.ErrResourceExhausted
	case BADTEXT:
		return errdefs.ErrInvalidArgument
	default:
		return errdefs.ErrInvalidArgument
	}
}

// Convenience constructors for the lookup-failure codes, used pervasively
// across core/automaton, core/binding and core/buffers.
func ErrAID(aid int32) error     { return New(AIDDNE, "automaton %d does not exist", aid) }
func ErrBID(bid int32) error     { return New(BDDNE, "buffer %d does not exist", bid) }
func ErrANO(ano int32) error     { return New(ANODNE, "action %d does not exist", ano) }
func ErrOAID(aid int32) error    { return New(OAIDDNE, "output automaton %d does not exist", aid) }
func ErrIAID(aid int32) error    { return New(IAIDDNE, "input automaton %d does not exist", aid) }
func ErrOANO(ano int32) error    { return New(OANODNE, "output action %d does not exist", ano) }
func ErrIANO(ano int32) error    { return New(IANODNE, "input action %d does not exist", ano) }
func ErrExists(name string) error {
	return New(EXISTS, "name %q already in use", name)
}
func ErrInval(format string, args ...interface{}) error { return New(INVAL, format, args...) }
func ErrNoMem(format string, args ...interface{}) error { return New(NOMEM, format, args...) }
func ErrPermission(format string, args ...interface{}) error {
	return New(PERMISSION, format, args...)
}
func ErrBadText(format string, args ...interface{}) error { return New(BADTEXT, format, args...) }
func ErrAlready(format string, args ...interface{}) error { return New(ALREADY, format, args...) }
