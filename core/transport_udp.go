package core

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxDatagramSize is the largest UDP payload this transport will send or
// accept in one datagram.
const MaxDatagramSize = 65507

// UDPMessage is delivered to a listener's callback for every datagram
// received, along with the verification outcome of the first verifiable
// frame found in its payload (if any).
type UDPMessage struct {
	Data       []byte
	Addr       net.Addr
	ReceivedAt time.Time
	Verified   *bool
}

// SendUDP sends data as a single datagram to host:port. The broadcast flag
// is not consulted; the socket is opened the same way either way.
func SendUDP(host string, port int, data []byte, broadcast bool) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("datagram exceeds %d bytes: %w", MaxDatagramSize, ErrInvalidInput)
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("dial udp %s: %w", addr, ErrTransportFailure)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write udp %s: %w", addr, ErrTransportFailure)
	}
	return nil
}

// UDPListener runs a blocking receive loop on bind:port, invoking onMessage
// for each datagram until Stop is called.
type UDPListener struct {
	conn      *net.UDPConn
	knownKeys *KnownKeys
	logger    *logrus.Logger
}

// NewUDPListener binds a UDP socket at bind:port.
func NewUDPListener(bind string, port int, knownKeys *KnownKeys, logger *logrus.Logger) (*UDPListener, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	addr := &net.UDPAddr{IP: net.ParseIP(bind), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s:%d: %w", bind, port, ErrTransportFailure)
	}
	return &UDPListener{conn: conn, knownKeys: knownKeys, logger: logger}, nil
}

// Serve blocks, invoking onMessage for each datagram, until Stop is called
// (which causes the underlying read to error and Serve to return nil).
func (l *UDPListener) Serve(onMessage func(UDPMessage)) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && !ne.Timeout() {
				return nil
			}
			if err.Error() == "use of closed network connection" {
				return nil
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		verified := l.verifyFirstFrame(data)
		onMessage(UDPMessage{Data: data, Addr: addr, ReceivedAt: time.Now(), Verified: verified})
	}
}

func (l *UDPListener) verifyFirstFrame(data []byte) *bool {
	frames := DecodeEnvelopes(string(data))
	for _, f := range frames {
		v, err := VerifyEnvelope(f.Envelope, l.knownKeys)
		if err != nil {
			l.logger.WithError(err).Warn("udp: envelope verification error")
			continue
		}
		if v != nil {
			return v
		}
	}
	return nil
}

// Stop closes the listening socket, causing Serve to return.
func (l *UDPListener) Stop() error {
	return l.conn.Close()
}

// LocalAddr returns the listener's bound local address.
func (l *UDPListener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}
