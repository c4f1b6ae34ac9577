package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aosedge/aos_servicemanager/internal/core"
)

const registerSMMethod = "/servicemanager.v4.SMService/RegisterSM"

var registerSMStreamDesc = grpc.StreamDesc{
	StreamName:    "RegisterSM",
	ClientStreams: true,
	ServerStreams: true,
}

// grpcSession adapts a grpc.ClientStream to Session, standing in for the
// generated ClientReaderWriterInterface<SMOutgoingMessages,
// SMIncomingMessages> the original holds as mStream.
type grpcSession struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

// NewGRPCDialer builds a Dialer that opens a TLS (or, if caCertPath is
// empty, plaintext) gRPC connection and establishes the RegisterSM stream,
// the Go shape of CreateStub+RegisterSM.
func NewGRPCDialer(caCertPath string) (Dialer, error) {
	creds, err := dialCredentials(caCertPath)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, url string) (Session, error) {
		conn, err := grpc.NewClient(url, grpc.WithTransportCredentials(creds))
		if err != nil {
			return nil, &core.ErrRuntime{Component: "upstream", Cause: err}
		}

		stream, err := conn.NewStream(ctx, &registerSMStreamDesc, registerSMMethod, grpc.CallContentSubtype(jsonCodecName))
		if err != nil {
			conn.Close()

			return nil, &core.ErrRuntime{Component: "upstream", Cause: err}
		}

		return &grpcSession{conn: conn, stream: stream}, nil
	}, nil
}

func dialCredentials(caCertPath string) (credentials.TransportCredentials, error) {
	if caCertPath == "" {
		return insecure.NewCredentials(), nil
	}

	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, &core.ErrRuntime{Component: "upstream", Cause: err}
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, &core.ErrRuntime{Component: "upstream", Cause: errInvalidCACert}
	}

	return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}

func (s *grpcSession) Send(msg OutgoingMessage) error {
	return s.stream.SendMsg(&msg)
}

func (s *grpcSession) Recv() (IncomingMessage, error) {
	var msg IncomingMessage

	if err := s.stream.RecvMsg(&msg); err != nil {
		return IncomingMessage{}, err
	}

	return msg, nil
}

func (s *grpcSession) Close() error {
	return s.conn.Close()
}
