package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/websocket"

	"github.com/ehrlich-b/blackbox/internal/event"
)

// sender is one per-file outbound connection. close signals end of
// file to the collector and releases the connection.
type sender interface {
	send(p []byte) error
	close() error
}

// transport opens one sender per file.
type transport interface {
	open(ctx context.Context, name string) (sender, error)
}

func (u *Uploader) newTransport(ctx context.Context) (transport, error) {
	server := u.cfg.Server
	switch {
	case strings.HasPrefix(server, "s3://"):
		return newS3Transport(ctx, server)
	case strings.HasPrefix(server, "ws://"), strings.HasPrefix(server, "wss://"):
		return newWSTransport(server)
	default:
		return u.newTCPTransport(ctx, server)
	}
}

// --- raw TCP ---

type tcpTransport struct {
	addr   string
	dialer net.Dialer
}

// newTCPTransport resolves host[:port] once for the whole run.
func (u *Uploader) newTCPTransport(ctx context.Context, server string) (transport, error) {
	host, port := server, defaultPort
	if h, p, err := net.SplitHostPort(server); err == nil {
		host, port = h, p
	} else {
		u.log.Warn("no port in collector endpoint, using default", "server", server, "port", defaultPort)
	}

	u.selfLog(event.DNSLookup, 0)
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		u.selfLog(event.DNSLookupFailure, event.Code(err))
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		u.selfLog(event.DNSLookupFailure, 0)
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return &tcpTransport{
		addr:   net.JoinHostPort(addrs[0], port),
		dialer: net.Dialer{Timeout: connectTimeout},
	}, nil
}

func (t *tcpTransport) open(ctx context.Context, name string) (sender, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, err
	}
	return &tcpSender{conn: conn}, nil
}

type tcpSender struct {
	conn net.Conn
}

func (s *tcpSender) send(p []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	for len(p) > 0 {
		n, err := s.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *tcpSender) close() error {
	// Half-close tells the collector the file is complete.
	if tc, ok := s.conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	return s.conn.Close()
}

// --- websocket ---

type wsTransport struct {
	endpoint *url.URL
	dialer   *websocket.Dialer
}

func newWSTransport(server string) (transport, error) {
	endpoint, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parse collector endpoint: %w", err)
	}
	return &wsTransport{
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: connectTimeout},
	}, nil
}

func (t *wsTransport) open(ctx context.Context, name string) (sender, error) {
	// The file name rides along so the collector can keep streams apart.
	u := *t.endpoint
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsSender{conn: conn}, nil
}

type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) send(p []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (s *wsSender) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(sendTimeout))
	return s.conn.Close()
}

// --- S3-compatible object storage ---

type s3Transport struct {
	client *s3.Client
	bucket string
	prefix string
}

// newS3Transport parses s3://bucket/prefix. Credentials come from the
// standard AWS environment, or from BLACKBOX_S3_ACCESS_KEY_ID /
// BLACKBOX_S3_SECRET_ACCESS_KEY with an optional BLACKBOX_S3_ENDPOINT
// for R2-style providers.
func newS3Transport(ctx context.Context, server string) (transport, error) {
	endpoint, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parse collector endpoint: %w", err)
	}
	if endpoint.Host == "" {
		return nil, errors.New("s3 endpoint missing bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if key := os.Getenv("BLACKBOX_S3_ACCESS_KEY_ID"); key != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				key,
				os.Getenv("BLACKBOX_S3_SECRET_ACCESS_KEY"),
				"",
			)),
			awsconfig.WithRegion("auto"),
		)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if custom := os.Getenv("BLACKBOX_S3_ENDPOINT"); custom != "" {
			o.BaseEndpoint = aws.String(custom)
		}
	})
	return &s3Transport{
		client: client,
		bucket: endpoint.Host,
		prefix: strings.TrimPrefix(endpoint.Path, "/"),
	}, nil
}

func (t *s3Transport) open(ctx context.Context, name string) (sender, error) {
	key := name
	if t.prefix != "" {
		key = path.Join(t.prefix, name)
	}
	return &s3Sender{ctx: ctx, client: t.client, bucket: t.bucket, key: key}, nil
}

// s3Sender buffers the file and uploads it as one object on close, so
// "connection closed cleanly" keeps gating local deletion.
type s3Sender struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	body   bytes.Buffer
}

func (s *s3Sender) send(p []byte) error {
	s.body.Write(p)
	return nil
}

func (s *s3Sender) close() error {
	_, err := s.client.PutObject(s.ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(s.body.Bytes()),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
