package transfer

import (
	"github.com/Mmx233/Courier/protocol"
)

// Greet runs the client half of the handshake and login. m may be nil for
// connections that are not transfers.
func (c *Conn) Greet(m *Machine, username, password string) (protocol.LoginResponse, error) {
	if err := c.Send(protocol.Handshake{Version: protocol.ProtocolVersion}); err != nil {
		return protocol.LoginResponse{}, err
	}
	var hs protocol.HandshakeResponse
	if _, err := c.ReceiveMessage(&hs); err != nil {
		return protocol.LoginResponse{}, err
	}
	if !hs.Success {
		return protocol.LoginResponse{}, RemoteError(protocol.ErrKindVersion, hs.Error)
	}
	if err := advance(m, PhaseLogin); err != nil {
		return protocol.LoginResponse{}, err
	}

	if err := c.Send(protocol.Login{Username: username, Password: password}); err != nil {
		return protocol.LoginResponse{}, err
	}
	var login protocol.LoginResponse
	if _, err := c.ReceiveMessage(&login); err != nil {
		return login, err
	}
	if !login.Success {
		kind := login.ErrorKind
		if kind == "" {
			kind = protocol.ErrKindAuth
		}
		return login, RemoteError(kind, login.Error)
	}
	return login, advance(m, PhaseRequest)
}

// Accept runs the server half of the handshake and login. authenticate builds
// the LoginResponse for the presented credentials; an unsuccessful response
// is sent and reported as an auth error.
func (c *Conn) Accept(m *Machine, authenticate func(protocol.Login) protocol.LoginResponse) (protocol.Login, error) {
	var hs protocol.Handshake
	hdr, err := c.ReceiveMessage(&hs)
	if err != nil {
		return protocol.Login{}, err
	}
	if hs.Version != protocol.ProtocolVersion {
		_ = c.SendID(hdr.ID, protocol.HandshakeResponse{
			Version: protocol.ProtocolVersion,
			Error:   "unsupported protocol version " + hs.Version,
		})
		return protocol.Login{}, RemoteError(protocol.ErrKindVersion, "client speaks version "+hs.Version)
	}
	if err := c.SendID(hdr.ID, protocol.HandshakeResponse{Success: true, Version: protocol.ProtocolVersion}); err != nil {
		return protocol.Login{}, err
	}
	if err := advance(m, PhaseLogin); err != nil {
		return protocol.Login{}, err
	}

	var login protocol.Login
	hdr, err = c.ReceiveMessage(&login)
	if err != nil {
		return login, err
	}
	resp := authenticate(login)
	if err := c.SendID(hdr.ID, resp); err != nil {
		return login, err
	}
	if !resp.Success {
		kind := resp.ErrorKind
		if kind == "" {
			kind = protocol.ErrKindAuth
		}
		return login, RemoteError(kind, resp.Error)
	}
	return login, advance(m, PhaseRequest)
}

func advance(m *Machine, to Phase) error {
	if m == nil {
		return nil
	}
	return m.Advance(to)
}
