package ssa

import (
	"fmt"
	"strings"
)

// CallConv is the calling convention of a Signature.
type CallConv byte

const (
	// CallConvSystemV is the System V AMD64 ABI.
	CallConvSystemV CallConv = iota
	// CallConvAAPCS64 is the base AArch64 procedure call standard.
	CallConvAAPCS64
	// CallConvAppleAarch64 is Apple's variant of the AArch64 standard.
	CallConvAppleAarch64
)

// String implements fmt.Stringer.
func (c CallConv) String() string {
	switch c {
	case CallConvSystemV:
		return "system_v"
	case CallConvAAPCS64:
		return "aapcs64"
	case CallConvAppleAarch64:
		return "apple_aarch64"
	default:
		panic("invalid calling convention")
	}
}

// RequiresSubWordArgExtension reports whether the convention requires the
// caller to sign- or zero-extend sub-word argument values to full register
// width. AAPCS64 base leaves the upper bits unspecified; Apple's variant and
// System V require the extension.
func (c CallConv) RequiresSubWordArgExtension() bool {
	switch c {
	case CallConvAppleAarch64, CallConvSystemV:
		return true
	default:
		return false
	}
}

// ArgExtension describes the extension a sub-word parameter was declared
// with. The legalizer materializes it at call boundaries only when the
// calling convention mandates it.
type ArgExtension byte

const (
	// ArgExtensionNone leaves the upper bits unspecified.
	ArgExtensionNone ArgExtension = iota
	// ArgExtensionZero zero-extends to register width.
	ArgExtensionZero
	// ArgExtensionSign sign-extends to register width.
	ArgExtensionSign
)

// Signature is a function prototype.
type Signature struct {
	ID              SignatureID
	Params, Results []Type
	// ParamExtensions is either nil or parallel to Params.
	ParamExtensions []ArgExtension
	CallConv        CallConv

	// used is true if this is used by the currently-compiled function.
	used bool
}

// String implements fmt.Stringer.
func (s *Signature) String() string {
	str := strings.Builder{}
	str.WriteString(s.ID.String())
	str.WriteString(": ")
	for _, typ := range s.Params {
		str.WriteString(typ.String())
	}
	str.WriteByte('_')
	for _, typ := range s.Results {
		str.WriteString(typ.String())
	}
	return str.String()
}

// SignatureID is an unique identifier used to lookup.
type SignatureID uint32

// String implements fmt.Stringer.
func (s SignatureID) String() string {
	return fmt.Sprintf("sig%d", s)
}
