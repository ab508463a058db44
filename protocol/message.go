package protocol

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

const ProtocolVersion = "1.0"

// Message type names. The set is closed; peers reject anything else.
const (
	TypeHandshake                 = "Handshake"
	TypeHandshakeResponse         = "HandshakeResponse"
	TypeLogin                     = "Login"
	TypeLoginResponse             = "LoginResponse"
	TypeFileDownload              = "FileDownload"
	TypeFileDownloadResponse      = "FileDownloadResponse"
	TypeFileUpload                = "FileUpload"
	TypeFileUploadResponse        = "FileUploadResponse"
	TypeFileStart                 = "FileStart"
	TypeFileStartResponse         = "FileStartResponse"
	TypeFileData                  = "FileData" // Raw streamed payload, no JSON
	TypeFileHashing               = "FileHashing"
	TypeTransferComplete          = "TransferComplete"
	TypeError                     = "Error"
	TypePing                      = "Ping"
	TypePingResponse              = "PingResponse"
	TypeUserBan                   = "UserBan"
	TypeUserBanResponse           = "UserBanResponse"
	TypeConnectionMonitor         = "ConnectionMonitor"
	TypeConnectionMonitorResponse = "ConnectionMonitorResponse"
)

var knownTypes = map[string]struct{}{
	TypeHandshake: {}, TypeHandshakeResponse: {}, TypeLogin: {}, TypeLoginResponse: {},
	TypeFileDownload: {}, TypeFileDownloadResponse: {}, TypeFileUpload: {}, TypeFileUploadResponse: {},
	TypeFileStart: {}, TypeFileStartResponse: {}, TypeFileData: {}, TypeFileHashing: {},
	TypeTransferComplete: {}, TypeError: {}, TypePing: {}, TypePingResponse: {},
	TypeUserBan: {}, TypeUserBanResponse: {}, TypeConnectionMonitor: {}, TypeConnectionMonitorResponse: {},
}

// IsKnownType reports whether name belongs to the message set.
func IsKnownType(name string) bool {
	_, ok := knownTypes[name]
	return ok
}

// Error kinds carried in failure responses.
const (
	ErrKindNotFound     = "not_found"
	ErrKindOutsideArea  = "outside_area"
	ErrKindTooLong      = "too_long"
	ErrKindInvalidPath  = "invalid_path"
	ErrKindPermission   = "permission"
	ErrKindAuth         = "auth"
	ErrKindVersion      = "version"
	ErrKindConflict     = "conflict"
	ErrKindHashMismatch = "hash_mismatch"
	ErrKindIo           = "io"
	ErrKindProtocol     = "protocol"
	ErrKindBanned       = "banned"
	ErrKindShutdown     = "shutdown"
)

// Message is implemented by every JSON control payload.
type Message interface {
	TypeName() string
}

// Handshake opens every connection
type Handshake struct {
	Version string `json:"version"`
}

// HandshakeResponse answers a Handshake
type HandshakeResponse struct {
	Success bool   `json:"success"`
	Version string `json:"version"`
	Error   string `json:"error,omitempty"`
}

// Login carries credentials
type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse answers Login. The transfer port leaves the permission fields empty.
type LoginResponse struct {
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
	ErrorKind   string   `json:"error_kind,omitempty"`
	IsAdmin     bool     `json:"is_admin,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// FileDownload requests a file or directory from the server
type FileDownload struct {
	Path string `json:"path"`
	Root bool   `json:"root"`
}

// FileDownloadResponse accepts or refuses a FileDownload
type FileDownloadResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Size       uint64 `json:"size"`
	FileCount  uint64 `json:"file_count"`
	TransferID string `json:"transfer_id,omitempty"`
}

// FileUpload announces an upload into a server directory
type FileUpload struct {
	Destination string `json:"destination"`
	Root        bool   `json:"root"`
	FileCount   uint64 `json:"file_count"`
	TotalSize   uint64 `json:"total_size"`
}

// FileUploadResponse accepts or refuses a FileUpload
type FileUploadResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
}

// FileStart announces one file from the sending side
type FileStart struct {
	Path   string `json:"path"`
	Size   uint64 `json:"size"`
	SHA256 string `json:"sha256"`
}

// Receiver reports in FileStartResponse.Disposition
const (
	LocalNone     = "none"
	LocalPartial  = "partial"
	LocalComplete = "complete"
	LocalConflict = "conflict"
)

// FileStartResponse reports what the receiving side already holds
type FileStartResponse struct {
	Disposition string `json:"disposition"`
	Size        uint64 `json:"size,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
}

// FileHashing is a keepalive sent while a long hash is computed
type FileHashing struct {
	Path string `json:"path,omitempty"`
}

// TransferComplete ends a transfer connection
type TransferComplete struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// ErrorMsg carries error information
type ErrorMsg struct {
	Message   string `json:"message"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Ping measures round trip latency
type Ping struct{}

// PingResponse answers Ping
type PingResponse struct{}

// UserBan asks the server to ban a user
type UserBan struct {
	Username string `json:"username"`
}

// UserBanResponse answers UserBan
type UserBanResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ConnectionMonitor asks for the active transfer list
type ConnectionMonitor struct{}

// TransferInfo is one row of the connection monitor
type TransferInfo struct {
	TransferID  string `json:"transfer_id"`
	Username    string `json:"username"`
	PeerAddress string `json:"peer_address"`
	Direction   string `json:"direction"`
	Path        string `json:"path"`
	TotalSize   uint64 `json:"total_size"`
	Bytes       uint64 `json:"bytes"`
}

// ConnectionMonitorResponse answers ConnectionMonitor
type ConnectionMonitorResponse struct {
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Transfers []TransferInfo `json:"transfers,omitempty"`
}

func (Handshake) TypeName() string                 { return TypeHandshake }
func (HandshakeResponse) TypeName() string         { return TypeHandshakeResponse }
func (Login) TypeName() string                     { return TypeLogin }
func (LoginResponse) TypeName() string             { return TypeLoginResponse }
func (FileDownload) TypeName() string              { return TypeFileDownload }
func (FileDownloadResponse) TypeName() string      { return TypeFileDownloadResponse }
func (FileUpload) TypeName() string                { return TypeFileUpload }
func (FileUploadResponse) TypeName() string        { return TypeFileUploadResponse }
func (FileStart) TypeName() string                 { return TypeFileStart }
func (FileStartResponse) TypeName() string         { return TypeFileStartResponse }
func (FileHashing) TypeName() string               { return TypeFileHashing }
func (TransferComplete) TypeName() string          { return TypeTransferComplete }
func (ErrorMsg) TypeName() string                  { return TypeError }
func (Ping) TypeName() string                      { return TypePing }
func (PingResponse) TypeName() string              { return TypePingResponse }
func (UserBan) TypeName() string                   { return TypeUserBan }
func (UserBanResponse) TypeName() string           { return TypeUserBanResponse }
func (ConnectionMonitor) TypeName() string         { return TypeConnectionMonitor }
func (ConnectionMonitorResponse) TypeName() string { return TypeConnectionMonitorResponse }

// EncodeMessage marshals a control payload
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.TypeName(), err)
	}
	return data, nil
}

// DecodeMessage decodes a payload into a message structure
func DecodeMessage(payload []byte, msg interface{}) error {
	if err := json.Unmarshal(payload, msg); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// WriteMessage encodes msg and writes it as one frame.
func WriteMessage(w io.Writer, id MessageID, msg Message) error {
	payload, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, id, msg.TypeName(), payload)
}
