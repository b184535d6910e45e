/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/interop/grpc_testing"
)

type testService struct {
	grpc_testing.UnimplementedTestServiceServer
}

func (s *testService) UnaryCall(
	_ context.Context, _ *grpc_testing.SimpleRequest,
) (*grpc_testing.SimpleResponse, error) {
	return &grpc_testing.SimpleResponse{Payload: &grpc_testing.Payload{Body: []byte("test")}}, nil
}

func (s *testService) StreamingOutputCall(
	_ *grpc_testing.StreamingOutputCallRequest, stream grpc_testing.TestService_StreamingOutputCallServer,
) error {
	return stream.Send(&grpc_testing.StreamingOutputCallResponse{
		Payload: &grpc_testing.Payload{Body: []byte("test-stream")},
	})
}

func startTestService(
	serverOpts []grpc.ServerOption,
) (client grpc_testing.TestServiceClient, closeFn func() error, err error) {
	srv := grpc.NewServer(serverOpts...)
	grpc_testing.RegisterTestServiceServer(srv, &testService{})
	ln, lnErr := net.Listen("tcp", "localhost:0")
	if lnErr != nil {
		return nil, nil, fmt.Errorf("listen: %w", lnErr)
	}
	serveResult := make(chan error)
	go func() {
		serveResult <- srv.Serve(ln)
	}()
	clientConn, dialErr := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if dialErr != nil {
		srv.Stop()
		<-serveResult
		return nil, nil, fmt.Errorf("dial: %w", dialErr)
	}
	return grpc_testing.NewTestServiceClient(clientConn), func() error {
		mErr := clientConn.Close()
		srv.GracefulStop()
		return errors.Join(mErr, <-serveResult)
	}, nil
}
