package tunnel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
)

// quicConn runs one bidirectional stream carrying a CBOR envelope sequence.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	udp    *net.UDPConn // owned by dialers only
	dec    *cbor.Decoder
	enc    *cbor.Encoder
	wmu    sync.Mutex
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream, udp *net.UDPConn) *quicConn {
	return &quicConn{
		conn:   conn,
		stream: stream,
		udp:    udp,
		dec:    cbor.NewDecoder(stream),
		enc:    cbor.NewEncoder(stream),
	}
}

func (c *quicConn) ReadEnvelope() (Envelope, error) {
	var e Envelope
	if err := c.dec.Decode(&e); err != nil {
		var appErr *quic.ApplicationError
		if errors.Is(err, io.EOF) || errors.As(err, &appErr) {
			return Envelope{}, ErrClosed
		}
		return Envelope{}, err
	}
	return e, nil
}

func (c *quicConn) WriteEnvelope(e Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(e)
}

func (c *quicConn) Close() error {
	c.stream.Close()
	err := c.conn.CloseWithError(0, "closing")
	if c.udp != nil {
		c.udp.Close()
	}
	return err
}

func (c *quicConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// DialQUIC connects to a tunnel server. A nil tlsConf accepts any server
// certificate.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{Protocol}}
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("tunnel: create UDP socket: %w", err)
	}
	conn, err := quic.Dial(ctx, udpConn, remoteAddr, tlsConf, nil)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("tunnel: quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		udpConn.Close()
		return nil, fmt.Errorf("tunnel: open stream: %w", err)
	}
	return newQUICConn(conn, stream, udpConn), nil
}

// QUICListener accepts tunnel connections.
type QUICListener struct {
	udp      *net.UDPConn
	listener *quic.Listener
}

// ListenQUIC listens on addr. A nil tlsConf generates a self-signed certificate.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	if tlsConf == nil {
		var err error
		if tlsConf, err = SelfSignedTLS(); err != nil {
			return nil, err
		}
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("tunnel: listen on %s: %w", addr, err)
	}
	ln, err := quic.Listen(udpConn, tlsConf, nil)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("tunnel: create QUIC listener: %w", err)
	}
	return &QUICListener{udp: udpConn, listener: ln}, nil
}

// Addr is the bound UDP address.
func (l *QUICListener) Addr() net.Addr { return l.udp.LocalAddr() }

// Accept waits for a peer and its first stream.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, err
	}
	return newQUICConn(conn, stream, nil), nil
}

func (l *QUICListener) Close() error {
	err := l.listener.Close()
	l.udp.Close()
	return err
}

// SelfSignedTLS builds a throwaway server certificate.
func SelfSignedTLS() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{Protocol},
	}, nil
}
