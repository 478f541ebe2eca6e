// Package control implements a short-lived client for the textual,
// cookie-authenticated control protocol each relay child speaks on its
// control port: connect, AUTHENTICATE, GETINFO, SIGNAL NEWNYM, disconnect.
// One session is opened per call; the client holds no long-lived
// connection state, matching the one-session-per-call contract.
package control

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shadowmesh/relaypool/pkg/poolerrors"
)

// Client talks to one relay instance's control port for the duration of a
// single call, per spec.md §4.C's "one session per call" contract.
type Client struct {
	nodeID        string
	controlAddr   string
	dataDir       string
	connectTimeout time.Duration
	deadline      time.Duration
}

// NewClient returns a client for one instance's control port. deadline
// bounds the connect, and then, counted afresh once connected, the rest of
// the session (auth + command + read), per spec.md §5's default 5s
// control-session deadline.
func NewClient(nodeID, controlAddr, dataDir string, deadline time.Duration) *Client {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	return &Client{
		nodeID:        nodeID,
		controlAddr:   controlAddr,
		dataDir:       dataDir,
		connectTimeout: deadline,
		deadline:      deadline,
	}
}

type session struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (c *Client) open() (*session, error) {
	conn, err := net.DialTimeout("tcp", c.controlAddr, c.connectTimeout)
	if err != nil {
		return nil, poolerrors.Wrap(poolerrors.ControlUnavailable, c.nodeID, "connect failed", err)
	}
	if err := conn.SetDeadline(time.Now().Add(c.deadline)); err != nil {
		conn.Close()
		return nil, poolerrors.Wrap(poolerrors.ControlUnavailable, c.nodeID, "set deadline failed", err)
	}

	sess := &session{conn: conn, reader: bufio.NewReader(conn)}

	cookie, err := c.readCookie()
	if err != nil {
		conn.Close()
		return nil, poolerrors.Wrap(poolerrors.ControlUnavailable, c.nodeID, "read cookie failed", err)
	}

	if err := sess.authenticate(cookie); err != nil {
		conn.Close()
		return nil, err
	}

	return sess, nil
}

func (c *Client) readCookie() ([]byte, error) {
	path := filepath.Join(c.dataDir, "control_auth_cookie")
	cookie, err := os.ReadFile(path) // #nosec G304 - path is derived from the instance's own data directory
	if err != nil {
		return nil, fmt.Errorf("read cookie file %s: %w", path, err)
	}
	return cookie, nil
}

func (s *session) authenticate(cookie []byte) error {
	cmd := fmt.Sprintf("AUTHENTICATE %s\r\n", hex.EncodeToString(cookie))
	if _, err := s.conn.Write([]byte(cmd)); err != nil {
		return poolerrors.Wrap(poolerrors.ControlUnavailable, "", "write AUTHENTICATE failed", err)
	}
	return s.expectOK()
}

// expectOK reads a single reply line and fails unless it is a "250" reply.
func (s *session) expectOK() error {
	line, err := s.readLine()
	if err != nil {
		return poolerrors.Wrap(poolerrors.ControlUnavailable, "", "read reply failed", err)
	}
	code, _, err := parseReplyLine(line)
	if err != nil {
		return poolerrors.Wrap(poolerrors.ControlMalformed, "", "unparseable reply", err)
	}
	if code != 250 {
		return poolerrors.New(poolerrors.ControlRejected, "", fmt.Sprintf("control rejected: %s", line))
	}
	return nil
}

func (s *session) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readMultiLineReply reads lines of the form "250-KEY=VALUE" until a final
// "250 " terminator line, matching the teacher's own multi-line reply
// convention.
func (s *session) readMultiLineReply() ([]string, error) {
	var lines []string
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, poolerrors.Wrap(poolerrors.ControlUnavailable, "", "read reply failed", err)
		}
		code, rest, err := parseReplyLine(line)
		if err != nil {
			return nil, poolerrors.Wrap(poolerrors.ControlMalformed, "", "unparseable reply", err)
		}
		if code != 250 {
			return nil, poolerrors.New(poolerrors.ControlRejected, "", fmt.Sprintf("control rejected: %s", line))
		}
		lines = append(lines, rest)
		if len(line) > 3 && line[3] == ' ' {
			break
		}
	}
	return lines, nil
}

func (s *session) close() {
	s.conn.Close()
}

// parseReplyLine splits "250-status/bootstrap-phase=..." or "250 OK" into
// (250, "status/bootstrap-phase=..." or "OK").
func parseReplyLine(line string) (int, string, error) {
	if len(line) < 4 {
		return 0, "", fmt.Errorf("reply line too short: %q", line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", fmt.Errorf("invalid reply code: %q", line)
	}
	sep := line[3]
	if sep != '-' && sep != ' ' {
		return 0, "", fmt.Errorf("malformed reply separator: %q", line)
	}
	return code, line[4:], nil
}

// BootstrapPhase issues GETINFO status/bootstrap-phase and returns the raw
// reply value, e.g. `NOTICE BOOTSTRAP PROGRESS=100 TAG=done SUMMARY="Done"`.
func (c *Client) BootstrapPhase() (string, error) {
	sess, err := c.open()
	if err != nil {
		return "", err
	}
	defer sess.close()

	if _, err := sess.conn.Write([]byte("GETINFO status/bootstrap-phase\r\n")); err != nil {
		return "", poolerrors.Wrap(poolerrors.ControlUnavailable, c.nodeID, "write GETINFO failed", err)
	}

	lines, err := sess.readMultiLineReply()
	if err != nil {
		return "", withNodeID(err, c.nodeID)
	}
	for _, l := range lines {
		if v, ok := strings.CutPrefix(l, "status/bootstrap-phase="); ok {
			return strings.Trim(v, "\""), nil
		}
	}
	return "", poolerrors.New(poolerrors.ControlMalformed, c.nodeID, "missing status/bootstrap-phase in reply")
}

// CircuitStatus issues GETINFO circuit-status and returns the text after
// the status code of every reply line, including the final "250 OK"
// terminator's "OK".
func (c *Client) CircuitStatus() ([]string, error) {
	sess, err := c.open()
	if err != nil {
		return nil, err
	}
	defer sess.close()

	if _, err := sess.conn.Write([]byte("GETINFO circuit-status\r\n")); err != nil {
		return nil, poolerrors.Wrap(poolerrors.ControlUnavailable, c.nodeID, "write GETINFO failed", err)
	}

	lines, err := sess.readMultiLineReply()
	if err != nil {
		return nil, withNodeID(err, c.nodeID)
	}
	return lines, nil
}

// SignalNewnym issues SIGNAL NEWNYM, requesting fresh circuits for
// subsequent streams.
func (c *Client) SignalNewnym() error {
	sess, err := c.open()
	if err != nil {
		return err
	}
	defer sess.close()

	if _, err := sess.conn.Write([]byte("SIGNAL NEWNYM\r\n")); err != nil {
		return poolerrors.Wrap(poolerrors.ControlUnavailable, c.nodeID, "write SIGNAL failed", err)
	}
	if err := sess.expectOK(); err != nil {
		return withNodeID(err, c.nodeID)
	}
	return nil
}

func withNodeID(err error, nodeID string) error {
	var pe *poolerrors.PoolError
	if e, ok := err.(*poolerrors.PoolError); ok {
		pe = e
	}
	if pe != nil && pe.NodeID == "" {
		pe.NodeID = nodeID
	}
	return err
}
