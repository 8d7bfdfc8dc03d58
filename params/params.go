// Package params defines the internal parameter space of a partner link:
// the fixed set of numbered parameters, their scalar kinds, their access
// rules, and their default values. Both the partner session and the engine
// consult this registry; the number space itself is fixed by the protocol
// and cannot be extended at runtime.
package params

import "fmt"

// Number identifies an internal link parameter.
type Number int

// The fixed parameter number space. Ports, references and the source TSAP
// are 16-bit words; timeouts and intervals are signed 32-bit millisecond
// values; recovery and keep-alive times are unsigned 32-bit milliseconds.
const (
	LocalPort     Number = 1
	RemotePort    Number = 2
	PingTimeout   Number = 3
	SendTimeout   Number = 4
	RecvTimeout   Number = 5
	WorkInterval  Number = 6
	SrcRef        Number = 7
	DstRef        Number = 8
	SrcTSap       Number = 9
	PDURequest    Number = 10
	MaxClients    Number = 11
	BSendTimeout  Number = 12
	BRecvTimeout  Number = 13
	RecoveryTime  Number = 14
	KeepAliveTime Number = 15
)

// String returns the parameter's symbolic name.
func (n Number) String() string {
	if info, ok := registry[n]; ok {
		return info.Name
	}

	return fmt.Sprintf("Number(%d)", int(n))
}

// Kind is the scalar type a parameter value is marshalled as.
type Kind int

const (
	// KindWord is an unsigned 16-bit value (ports, TSAPs, references).
	KindWord Kind = iota
	// KindInt32 is a signed 32-bit value (timeouts, intervals).
	KindInt32
	// KindUint32 is an unsigned 32-bit value (recovery and keep-alive times).
	KindUint32
)

// InRange reports whether v fits the kind's value range.
//
// Parameters:
//   - v: The candidate value
//
// Returns:
//   - true if v can be marshalled as this kind without truncation
func (k Kind) InRange(v int64) bool {
	switch k {
	case KindWord:
		return v >= 0 && v <= 0xFFFF
	case KindInt32:
		return v >= -0x80000000 && v <= 0x7FFFFFFF
	case KindUint32:
		return v >= 0 && v <= 0xFFFFFFFF
	default:
		return false
	}
}

// Access classifies when a parameter may be written.
type Access int

const (
	// ReadWrite parameters may be read and written at any time.
	ReadWrite Access = iota
	// StoppedOnly parameters may be written only while the link is stopped.
	StoppedOnly
	// Unsupported parameters exist in the shared number space but are not
	// valid for a partner link (they belong to the client/server roles).
	Unsupported
)

// Info describes a single parameter: its name, scalar kind, access rule and
// default value.
type Info struct {
	Name    string
	Kind    Kind
	Access  Access
	Default int64
}

var registry = map[Number]Info{
	LocalPort:     {Name: "LocalPort", Kind: KindWord, Access: StoppedOnly, Default: 0},
	RemotePort:    {Name: "RemotePort", Kind: KindWord, Access: StoppedOnly, Default: 102},
	PingTimeout:   {Name: "PingTimeout", Kind: KindInt32, Access: ReadWrite, Default: 750},
	SendTimeout:   {Name: "SendTimeout", Kind: KindInt32, Access: ReadWrite, Default: 10},
	RecvTimeout:   {Name: "RecvTimeout", Kind: KindInt32, Access: ReadWrite, Default: 3000},
	WorkInterval:  {Name: "WorkInterval", Kind: KindInt32, Access: ReadWrite, Default: 100},
	SrcRef:        {Name: "SrcRef", Kind: KindWord, Access: ReadWrite, Default: 256},
	DstRef:        {Name: "DstRef", Kind: KindWord, Access: ReadWrite, Default: 0},
	SrcTSap:       {Name: "SrcTSap", Kind: KindWord, Access: ReadWrite, Default: 0},
	PDURequest:    {Name: "PDURequest", Kind: KindInt32, Access: ReadWrite, Default: 480},
	MaxClients:    {Name: "MaxClients", Kind: KindInt32, Access: Unsupported, Default: 0},
	BSendTimeout:  {Name: "BSendTimeout", Kind: KindInt32, Access: ReadWrite, Default: 3000},
	BRecvTimeout:  {Name: "BRecvTimeout", Kind: KindInt32, Access: ReadWrite, Default: 3000},
	RecoveryTime:  {Name: "RecoveryTime", Kind: KindUint32, Access: ReadWrite, Default: 500},
	KeepAliveTime: {Name: "KeepAliveTime", Kind: KindUint32, Access: ReadWrite, Default: 5000},
}

// Lookup returns the registry entry for the given parameter number.
//
// Parameters:
//   - n: The parameter number to look up
//
// Returns:
//   - The parameter's Info and true if the number is part of the fixed
//     number space, or a zero Info and false otherwise
func Lookup(n Number) (Info, bool) {
	info, ok := registry[n]
	return info, ok
}

// Defaults returns a fresh map of every supported parameter's default value.
// Unsupported parameters are excluded. The caller owns the returned map.
//
// Returns:
//   - A map from parameter number to its default value
func Defaults() map[Number]int64 {
	m := make(map[Number]int64, len(registry))
	for n, info := range registry {
		if info.Access == Unsupported {
			continue
		}

		m[n] = info.Default
	}

	return m
}
