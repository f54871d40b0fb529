package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// nntpOpTimeout bounds one command round trip when the caller's context
// carries no deadline of its own.
const nntpOpTimeout = 30 * time.Second

// NNTPConfig describes one upstream NNTP server.
type NNTPConfig struct {
	Name     string
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
}

// NNTPClient is a Client speaking NNTP over a single lazily-dialed
// connection. Commands are serialized; the connection is dropped and
// redialed after any network fault.
type NNTPClient struct {
	cfg NNTPConfig

	mu      sync.Mutex
	conn    *textproto.Conn
	netConn net.Conn
	group   string
}

// NewNNTPClient creates a client for one configured server. No connection
// is made until the first command.
func NewNNTPClient(cfg NNTPConfig) *NNTPClient {
	return &NNTPClient{cfg: cfg}
}

// Name returns the configured server name.
func (c *NNTPClient) Name() string {
	return c.cfg.Name
}

// Close drops the connection if one is open.
func (c *NNTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reset()
}

// RetrieveArticle fetches an article body by message id.
func (c *NNTPClient) RetrieveArticle(ctx context.Context, messageID, newsgroup string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(ctx, newsgroup); err != nil {
		return nil, err
	}

	id, err := c.conn.Cmd("BODY %s", messageID)
	if err != nil {
		return nil, c.fault("body", err)
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	if _, _, err := c.conn.ReadCodeLine(222); err != nil {
		return nil, c.statusErr("body", err)
	}
	data, err := io.ReadAll(c.conn.DotReader())
	if err != nil {
		return nil, c.fault("body read", err)
	}
	return data, nil
}

// PostData posts an article and returns the client-generated message id.
func (c *NNTPClient) PostData(ctx context.Context, subject string, data []byte, newsgroup string, extraHeaders map[string]string) (*PostResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(ctx, ""); err != nil {
		return nil, err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), c.cfg.Host)

	id, err := c.conn.Cmd("POST")
	if err != nil {
		return nil, c.fault("post", err)
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	if _, _, err := c.conn.ReadCodeLine(340); err != nil {
		return nil, c.statusErr("post", err)
	}

	w := c.conn.DotWriter()
	fmt.Fprintf(w, "From: poster <poster@%s>\r\n", c.cfg.Host)
	fmt.Fprintf(w, "Newsgroups: %s\r\n", newsgroup)
	fmt.Fprintf(w, "Subject: %s\r\n", subject)
	fmt.Fprintf(w, "Message-ID: %s\r\n", messageID)
	for k, v := range extraHeaders {
		fmt.Fprintf(w, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(w, "\r\n")
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, c.fault("post write", err)
	}
	if err := w.Close(); err != nil {
		return nil, c.fault("post write", err)
	}

	if _, _, err := c.conn.ReadCodeLine(240); err != nil {
		return nil, c.statusErr("post", err)
	}
	return &PostResult{MessageID: messageID, Server: c.cfg.Name}, nil
}

// SearchSubject runs an XPAT header search for an exact subject and
// resolves the hits to message ids.
func (c *NNTPClient) SearchSubject(ctx context.Context, newsgroup, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(ctx, newsgroup); err != nil {
		return nil, err
	}

	lines, err := c.multiline("XPAT Subject 1- %s", pattern)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, line := range lines {
		num, _, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		idLines, err := c.multiline("XHDR Message-ID %s", num)
		if err != nil || len(idLines) == 0 {
			continue
		}
		if _, mid, ok := strings.Cut(idLines[0], " "); ok {
			ids = append(ids, mid)
		}
	}
	return ids, nil
}

// GroupRange selects the newsgroup and returns its article-number
// watermark.
func (c *NNTPClient) GroupRange(ctx context.Context, newsgroup string) (*HeaderRange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(ctx, ""); err != nil {
		return nil, err
	}
	return c.selectGroup(newsgroup)
}

// FetchHeaders returns subject headers for an article-number range, via
// XOVER with a dual-XHDR fallback for servers lacking overview support.
func (c *NNTPClient) FetchHeaders(ctx context.Context, newsgroup string, low, high int64) ([]Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(ctx, newsgroup); err != nil {
		return nil, err
	}

	lines, err := c.multiline("XOVER %d-%d", low, high)
	if err == nil {
		headers := make([]Header, 0, len(lines))
		for _, line := range lines {
			fields := strings.Split(line, "\t")
			if len(fields) < 5 {
				continue
			}
			num, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				continue
			}
			headers = append(headers, Header{
				ArticleNumber: num,
				Subject:       fields[1],
				MessageID:     fields[4],
			})
		}
		return headers, nil
	}
	if !errors.Is(err, ErrSearchUnsupported) {
		return nil, err
	}
	return c.fetchHeadersXHDR(low, high)
}

// fetchHeadersXHDR joins two per-header scans by article number.
func (c *NNTPClient) fetchHeadersXHDR(low, high int64) ([]Header, error) {
	subjects, err := c.multiline("XHDR Subject %d-%d", low, high)
	if err != nil {
		return nil, err
	}
	ids, err := c.multiline("XHDR Message-ID %d-%d", low, high)
	if err != nil {
		return nil, err
	}

	byNum := make(map[int64]string, len(ids))
	for _, line := range ids {
		num, mid, ok := cutNumber(line)
		if ok {
			byNum[num] = mid
		}
	}

	headers := make([]Header, 0, len(subjects))
	for _, line := range subjects {
		num, subject, ok := cutNumber(line)
		if !ok {
			continue
		}
		headers = append(headers, Header{
			ArticleNumber: num,
			Subject:       subject,
			MessageID:     byNum[num],
		})
	}
	return headers, nil
}

// ready connects and authenticates if needed, applies the context
// deadline, and selects the newsgroup when one is required.
func (c *NNTPClient) ready(ctx context.Context, newsgroup string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(nntpOpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.netConn.SetDeadline(deadline); err != nil {
		return c.fault("deadline", err)
	}

	if newsgroup != "" && newsgroup != c.group {
		if _, err := c.selectGroup(newsgroup); err != nil {
			return err
		}
	}
	return nil
}

// connect dials, reads the greeting, and authenticates.
func (c *NNTPClient) connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrServerUnavailable, addr, err)
	}
	if c.cfg.TLS {
		tlsConn := tls.Client(netConn, &tls.Config{ServerName: c.cfg.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return fmt.Errorf("%w: tls handshake %s: %v", ErrServerUnavailable, addr, err)
		}
		netConn = tlsConn
	}

	conn := textproto.NewConn(netConn)
	if _, _, err := conn.ReadCodeLine(20); err != nil {
		conn.Close()
		return fmt.Errorf("%w: greeting: %v", ErrServerUnavailable, err)
	}

	c.conn = conn
	c.netConn = netConn
	c.group = ""

	if c.cfg.Username != "" {
		if err := c.authenticate(); err != nil {
			c.reset()
			return err
		}
	}
	return nil
}

// authenticate runs the AUTHINFO USER/PASS exchange.
func (c *NNTPClient) authenticate() error {
	code, _, err := c.cmdCode("AUTHINFO USER %s", c.cfg.Username)
	if err != nil {
		return c.fault("authinfo", err)
	}
	if code == 381 {
		code, _, err = c.cmdCode("AUTHINFO PASS %s", c.cfg.Password)
		if err != nil {
			return c.fault("authinfo", err)
		}
	}
	if code != 281 {
		return fmt.Errorf("transport: authentication refused (%d)", code)
	}
	return nil
}

// selectGroup issues GROUP and parses the 211 watermark line.
func (c *NNTPClient) selectGroup(newsgroup string) (*HeaderRange, error) {
	code, line, err := c.cmdCode("GROUP %s", newsgroup)
	if err != nil {
		return nil, c.fault("group", err)
	}
	if code != 211 {
		return nil, fmt.Errorf("%w: group %s (%d)", ErrArticleNotFound, newsgroup, code)
	}

	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, fmt.Errorf("transport: malformed group response %q", line)
	}
	low, err1 := strconv.ParseInt(fields[1], 10, 64)
	high, err2 := strconv.ParseInt(fields[2], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("transport: malformed group response %q", line)
	}

	c.group = newsgroup
	return &HeaderRange{Low: low, High: high}, nil
}

// multiline runs one command expecting a 221/224-class multiline response
// and returns its lines.
func (c *NNTPClient) multiline(format string, args ...any) ([]string, error) {
	id, err := c.conn.Cmd(format, args...)
	if err != nil {
		return nil, c.fault("cmd", err)
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	code, _, err := c.conn.ReadCodeLine(0)
	if err != nil {
		return nil, c.fault("cmd", err)
	}
	switch {
	case code == 221 || code == 224:
	case code == 500 || code == 501:
		return nil, ErrSearchUnsupported
	default:
		return nil, fmt.Errorf("transport: unexpected response %d", code)
	}
	lines, err := c.conn.ReadDotLines()
	if err != nil {
		return nil, c.fault("cmd read", err)
	}
	return lines, nil
}

// cmdCode runs one command and returns its status code and trailing text.
func (c *NNTPClient) cmdCode(format string, args ...any) (int, string, error) {
	id, err := c.conn.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	code, line, err := c.conn.ReadCodeLine(0)
	if err != nil {
		return 0, "", err
	}
	return code, line, nil
}

// statusErr maps an unexpected status line to a sentinel. Used where the
// command's success code was demanded via ReadCodeLine.
func (c *NNTPClient) statusErr(op string, err error) error {
	var pe *textproto.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case 430, 423, 420:
			return fmt.Errorf("%w: %s", ErrArticleNotFound, op)
		case 440, 441:
			return fmt.Errorf("%w: %s: %s", ErrPostRejected, op, pe.Msg)
		case 500, 501:
			return fmt.Errorf("%w: %s", ErrSearchUnsupported, op)
		}
		return fmt.Errorf("transport: %s: %s", op, pe.Error())
	}
	return c.fault(op, err)
}

// fault drops the connection and reports a transient server fault.
func (c *NNTPClient) fault(op string, err error) error {
	c.reset()
	return fmt.Errorf("%w: %s: %v", ErrServerUnavailable, op, err)
}

// reset closes and forgets the connection.
func (c *NNTPClient) reset() error {
	c.group = ""
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.netConn = nil
	return err
}

// cutNumber splits an "artnum value" header-scan line.
func cutNumber(line string) (int64, string, bool) {
	numStr, rest, ok := strings.Cut(line, " ")
	if !ok {
		return 0, "", false
	}
	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return num, rest, true
}
