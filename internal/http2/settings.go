package http2

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danmuck/netbridge/internal/errs"
	"golang.org/x/net/http2"
)

const (
	defaultHeaderTableSize = 4096
	defaultWindowSize      = 65535
	defaultMaxFrameSize    = 16384
	maxFrameSizeLimit      = 1<<24 - 1
	maxWindowSize          = 1<<31 - 1
	maxStreamID            = 1<<31 - 1

	// maxHeaderBlock bounds an encoded header block while the local header
	// list size is unlimited.
	maxHeaderBlock = 1 << 20
)

var ErrBadSettings = errs.New(errs.ProtocolError, "http2: malformed settings")

// Settings is an ordered list of SETTINGS parameters as they go on the wire.
type Settings []http2.Setting

// DefaultSettings advertises the protocol defaults explicitly.
func DefaultSettings() Settings {
	return Settings{
		{ID: http2.SettingHeaderTableSize, Val: defaultHeaderTableSize},
		{ID: http2.SettingEnablePush, Val: 1},
		{ID: http2.SettingInitialWindowSize, Val: defaultWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: defaultMaxFrameSize},
	}
}

func DefaultNoPushSettings() Settings {
	s := DefaultSettings()
	s[1].Val = 0
	return s
}

// MaximumSettings raises every limit to the largest value the protocol
// allows.
func MaximumSettings() Settings {
	return Settings{
		{ID: http2.SettingHeaderTableSize, Val: 65536},
		{ID: http2.SettingEnablePush, Val: 1},
		{ID: http2.SettingMaxConcurrentStreams, Val: maxStreamID},
		{ID: http2.SettingInitialWindowSize, Val: maxWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: maxFrameSizeLimit},
	}
}

func (s Settings) Validate() error {
	for _, st := range s {
		if err := st.Valid(); err != nil {
			return settingError(st, err)
		}
	}
	return nil
}

func settingError(st http2.Setting, err error) error {
	code := errs.ProtocolError
	if ce, ok := err.(http2.ConnectionError); ok && http2.ErrCode(ce) == http2.ErrCodeFlowControl {
		code = errs.FlowControlViolation
	}
	return &errs.Error{Code: code, Msg: fmt.Sprintf("http2: invalid setting %v", st), Err: err}
}

// Encode renders the payload of a SETTINGS frame, the form carried by the
// HTTP2-Settings upgrade header.
func (s Settings) Encode() []byte {
	out := make([]byte, 0, 6*len(s))
	for _, st := range s {
		out = binary.BigEndian.AppendUint16(out, uint16(st.ID))
		out = binary.BigEndian.AppendUint32(out, st.Val)
	}
	return out
}

// ParseSettings decodes a SETTINGS payload.
func ParseSettings(payload []byte) (Settings, error) {
	if len(payload)%6 != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrBadSettings, len(payload))
	}
	out := make(Settings, 0, len(payload)/6)
	for i := 0; i < len(payload); i += 6 {
		out = append(out, http2.Setting{
			ID:  http2.SettingID(binary.BigEndian.Uint16(payload[i:])),
			Val: binary.BigEndian.Uint32(payload[i+2:]),
		})
	}
	return out, out.Validate()
}

// Values are the parameters in effect for one side of a connection.
type Values struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// InitialValues are the values in effect before any SETTINGS frame.
func InitialValues() Values {
	return Values{
		HeaderTableSize:      defaultHeaderTableSize,
		EnablePush:           true,
		MaxConcurrentStreams: math.MaxUint32,
		InitialWindowSize:    defaultWindowSize,
		MaxFrameSize:         defaultMaxFrameSize,
		MaxHeaderListSize:    math.MaxUint32,
	}
}

// apply sets one parameter. Unknown identifiers are ignored.
func (v *Values) apply(st http2.Setting) error {
	if err := st.Valid(); err != nil {
		return settingError(st, err)
	}
	switch st.ID {
	case http2.SettingHeaderTableSize:
		v.HeaderTableSize = st.Val
	case http2.SettingEnablePush:
		v.EnablePush = st.Val == 1
	case http2.SettingMaxConcurrentStreams:
		v.MaxConcurrentStreams = st.Val
	case http2.SettingInitialWindowSize:
		v.InitialWindowSize = st.Val
	case http2.SettingMaxFrameSize:
		v.MaxFrameSize = st.Val
	case http2.SettingMaxHeaderListSize:
		v.MaxHeaderListSize = st.Val
	}
	return nil
}
