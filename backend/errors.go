package backend

import "errors"

var (
	ErrMalformedManifest  = errors.New("malformed manifest")
	ErrUndefinedSymbol     = errors.New("undefined symbol")
	ErrUndefinedVariable   = errors.New("undefined variable")
	ErrUndefinedFunction   = errors.New("undefined function")
	ErrImmediateOutOfRange = errors.New("immediate out of range")
	ErrRegisterExhaustion  = errors.New("register exhaustion")
	ErrUnsupportedOpcode   = errors.New("unsupported opcode")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrMalformedString     = errors.New("malformed string literal")
	ErrEncoderNotResolved  = errors.New("encoder not resolved")
)
