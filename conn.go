package hkpair

import (
	"net"
	"sync"

	"github.com/pion/logging"
)

// conn is a net.Conn that switches to the session record layer once a
// session is installed. Before that, bytes pass through unchanged.
type conn struct {
	net.Conn

	log logging.LeveledLogger

	// ss is the active session. pending becomes active when the next bytes
	// arrive: the accessory answers pair-verify M4 in plaintext through the
	// http.ResponseWriter, which is only flushed after the handler returns.
	smu     sync.Mutex
	ss      *Session
	pending *Session

	rmu     sync.Mutex
	readBuf []byte // bytes not yet returned by Read
	raw     []byte

	wmu sync.Mutex
}

func newConn(c net.Conn, log logging.LeveledLogger) *conn {
	return &conn{
		Conn: c,
		log:  log,
		raw:  make([]byte, 4096),
	}
}

// WrapConn returns a connection whose reads and writes pass through ss.
func WrapConn(ss *Session, c net.Conn) net.Conn {
	cc := newConn(c, nil)
	cc.UpgradeEnc(ss)
	return cc
}

// UpgradeEnc installs ss for all following reads and writes.
func (c *conn) UpgradeEnc(ss *Session) {
	c.smu.Lock()
	c.ss = ss
	c.pending = nil
	c.smu.Unlock()
}

// upgradeOnNextRead installs ss when the peer sends its next bytes. Writes
// keep using the current session, or plaintext, until then.
func (c *conn) upgradeOnNextRead(ss *Session) {
	c.smu.Lock()
	c.pending = ss
	c.smu.Unlock()
}

// Encrypted reports whether the record layer is active or about to be.
func (c *conn) Encrypted() bool {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.ss != nil || c.pending != nil
}

func (c *conn) session(activate bool) *Session {
	c.smu.Lock()
	defer c.smu.Unlock()
	if activate && c.pending != nil {
		c.ss = c.pending
		c.pending = nil
	}
	return c.ss
}

// Write writes bytes to the connection.
// The written bytes are encrypted when possible.
func (c *conn) Write(b []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	ss := c.session(false)
	if ss == nil {
		return c.Conn.Write(b)
	}
	enc, err := ss.Encrypt(b)
	if err != nil {
		c.Conn.Close()
		return 0, err
	}
	if _, err := c.Conn.Write(enc); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read reads bytes from the connection.
// The read bytes are decrypted when possible.
func (c *conn) Read(b []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.readBuf) == 0 {
		n, err := c.Conn.Read(c.raw)
		if n > 0 {
			// a pending session may have been installed while Read was blocked
			if ss := c.session(true); ss != nil {
				plain, derr := ss.Decrypt(c.raw[:n])
				if derr != nil {
					// never fall back to plaintext after a bad frame
					if c.log != nil {
						c.log.Warnf("closing %s: %v", c.RemoteAddr(), derr)
					}
					c.Conn.Close()
					return 0, derr
				}
				c.readBuf = append(c.readBuf, plain...)
			} else {
				c.readBuf = append(c.readBuf, c.raw[:n]...)
			}
		}
		if err != nil {
			if len(c.readBuf) > 0 {
				break
			}
			return 0, err
		}
	}

	n := copy(b, c.readBuf)
	c.readBuf = c.readBuf[n:]
	if len(c.readBuf) == 0 {
		c.readBuf = nil
	}
	return n, nil
}
