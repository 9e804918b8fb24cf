// SPDX-License-Identifier: Apache-2.0
//
// Copyright (C) 2021 Renesas Electronics Corporation.
// Copyright (C) 2021 EPAM Systems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfgserver provides the envelope exchange gRPC server. The service
// carries the cloud configuration wire format as its codec, so the messages
// on the wire are exactly the binary envelopes.
package cfgserver

import (
	"context"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/devicecloud/cloudconfig_manager/cloudprotocol"
	"github.com/devicecloud/cloudconfig_manager/config"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// SecretProvider processes device secret requests.
type SecretProvider interface {
	GetSetDetails(cmd *cloudprotocol.CmdGetSetDetails) (*cloudprotocol.RespGetSetDetails, error)
}

// Server cloud configuration server instance.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	provider   SecretProvider
}

type exchangeServer interface {
	Exchange(ctx context.Context, request *cloudprotocol.Payload) (*cloudprotocol.Payload, error)
}

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

var serviceDesc = grpc.ServiceDesc{
	ServiceName: cloudprotocol.ServiceName,
	HandlerType: (*exchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Exchange",
			Handler:    exchangeHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates new cloud configuration server.
func New(cfg *config.Config, provider SecretProvider, insecure bool) (server *Server, err error) {
	log.WithField("url", cfg.ServerURL).Debug("Create cloud configuration server")

	server = &Server{provider: provider}

	var opts []grpc.ServerOption

	if !insecure {
		creds, err := credentials.NewServerTLSFromFile(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, errors.WithStack(err)
		}

		opts = append(opts, grpc.Creds(creds))
	} else {
		log.Warn("Cloud configuration server uses insecure connection")
	}

	if server.listener, err = net.Listen("tcp", cfg.ServerURL); err != nil {
		return nil, errors.WithStack(err)
	}

	server.grpcServer = grpc.NewServer(opts...)
	server.grpcServer.RegisterService(&serviceDesc, server)

	go func() {
		if err := server.grpcServer.Serve(server.listener); err != nil {
			log.Errorf("Can't serve gRPC server: %s", err)
		}
	}()

	return server, nil
}

// Close closes cloud configuration server.
func (server *Server) Close() {
	log.Debug("Close cloud configuration server")

	if server.grpcServer != nil {
		server.grpcServer.Stop()
	}
}

// Exchange processes one envelope exchange.
func (server *Server) Exchange(
	ctx context.Context, request *cloudprotocol.Payload,
) (response *cloudprotocol.Payload, err error) {
	if request.Msg != cloudprotocol.TypeCmdGetSetDetails || request.Cmd == nil {
		return nil, status.Error(codes.InvalidArgument, "request envelope expected")
	}

	resp, err := server.provider.GetSetDetails(request.Cmd)
	if err != nil {
		log.Errorf("Can't process request: %s", err)

		return nil, status.Error(codes.Internal, "can't process request")
	}

	return &cloudprotocol.Payload{Msg: cloudprotocol.TypeRespGetSetDetails, Resp: resp}, nil
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func exchangeHandler(
	srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	request := new(cloudprotocol.Payload)

	if err := dec(request); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(exchangeServer).Exchange(ctx, request)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: cloudprotocol.ExchangeMethod,
	}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(exchangeServer).Exchange(ctx, req.(*cloudprotocol.Payload))
	}

	return interceptor(ctx, request, info, handler)
}
