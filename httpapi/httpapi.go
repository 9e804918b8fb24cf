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

// Package httpapi provides the operator REST API: login, node listing,
// node configuration, status, parameters and the claiming flow.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/devicecloud/cloudconfig_manager/config"
	"github.com/devicecloud/cloudconfig_manager/database"
)

/***********************************************************************************************************************
 * Consts
 **********************************************************************************************************************/

const tokenTTL = 1 * time.Hour

const maxBodySize = 1 << 20

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

/***********************************************************************************************************************
 * Types
 **********************************************************************************************************************/

// Storage provides access to user and node records.
type Storage interface {
	GetUserPasswordHash(username string) (string, error)
	GetUserNodes(userID string) ([]string, error)
	GetNode(nodeID string) (database.NodeInfo, error)
	GetNodeConfig(nodeID string) ([]byte, error)
	SetNodeConfig(nodeID string, config []byte) error
	GetNodeParams(nodeID string) ([]byte, error)
	SetNodeParams(nodeID string, params []byte) error
	RemoveUserNodeMapping(nodeID string) error
}

// Claimer provides the node claiming flow.
type Claimer interface {
	InitClaim(userID string, mac string, platform string) (nodeID string, secretKey string, err error)
	VerifyClaim(nodeID string, secretKey string) error
	GetClaimState(nodeID string) (state string, err error)
}

// Server REST API server instance.
type Server struct {
	httpServer   *http.Server
	storage      Storage
	claimer      Claimer
	jwtSecret    []byte
	mqttHost     string
	onlineWindow time.Duration
}

type contextKey string

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type nodesResponse struct {
	Nodes []string `json:"nodes"`
}

type statusResponse struct {
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type mqttHostResponse struct {
	MQTTHost string `json:"mqttHost"`
}

type otaRequest struct {
	ImageURL string `json:"imageUrl"`
}

type claimInitRequest struct {
	MAC      string `json:"mac"`
	Platform string `json:"platform"`
}

type claimInitResponse struct {
	NodeID    string `json:"nodeId"`
	SecretKey string `json:"secretKey"`
}

type claimVerifyRequest struct {
	NodeID    string `json:"nodeId"`
	SecretKey string `json:"secretKey"`
}

type claimVerifyResponse struct {
	NodeID     string `json:"nodeId"`
	ClaimState string `json:"claimState"`
}

type errorResponse struct {
	Error string `json:"error"`
}

/***********************************************************************************************************************
 * Vars
 **********************************************************************************************************************/

const userIDKey contextKey = "userID"

/***********************************************************************************************************************
 * Public
 **********************************************************************************************************************/

// New creates new REST API server.
func New(cfg *config.Config, storage Storage, claimer Claimer) (server *Server, err error) {
	log.WithField("url", cfg.APIServerURL).Debug("Create API server")

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret is not set")
	}

	server = &Server{
		storage:      storage,
		claimer:      claimer,
		jwtSecret:    []byte(cfg.JWTSecret),
		mqttHost:     cfg.MQTTHost,
		onlineWindow: cfg.OnlineWindow.Duration,
	}

	router := chi.NewRouter()

	router.Post("/api/v1/login", server.login)
	// Device facing broker endpoint, advertised without a session
	router.Get("/api/v1/mqtt_host", server.getMQTTHost)

	router.Group(func(protected chi.Router) {
		protected.Use(server.authenticate)

		protected.Get("/api/v1/nodes", server.getNodes)
		protected.Post("/api/v1/claim/init", server.claimInit)
		protected.Post("/api/v1/claim/verify", server.claimVerify)

		protected.Route("/api/v1/nodes/{nodeID}", func(node chi.Router) {
			node.Get("/config", server.getNodeConfig)
			node.Put("/config", server.setNodeConfig)
			node.Get("/status", server.getNodeStatus)
			node.Get("/params", server.getNodeParams)
			node.Put("/params", server.setNodeParams)
			node.Post("/ota", server.startNodeOTA)
			node.Delete("/", server.removeNode)
		})
	})

	server.httpServer = &http.Server{Addr: cfg.APIServerURL, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func(cert, key string) {
		log.WithField("address", cfg.APIServerURL).Debug("Listen for operator requests")

		var err error

		if cert != "" && key != "" {
			err = server.httpServer.ListenAndServeTLS(cert, key)
		} else {
			err = server.httpServer.ListenAndServe()
		}

		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("API server listening error: %s", err)
		}
	}(cfg.Cert, cfg.Key)

	return server, nil
}

// Close closes REST API server.
func (server *Server) Close() {
	log.Debug("Close API server")

	if err := server.httpServer.Shutdown(context.Background()); err != nil {
		log.Errorf("Can't shutdown API server: %s", err)
	}
}

/***********************************************************************************************************************
 * Private
 **********************************************************************************************************************/

func (server *Server) login(w http.ResponseWriter, r *http.Request) {
	var request loginRequest

	if err := render.DecodeJSON(r.Body, &request); err != nil {
		sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	hash, err := server.storage.GetUserPasswordHash(request.Username)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			sendError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}

		log.Errorf("Can't get user password hash: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't process login")

		return
	}

	if err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(request.Password)); err != nil {
		sendError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": request.Username,
		"exp": jwt.NewNumericDate(time.Now().Add(tokenTTL)),
		"iat": jwt.NewNumericDate(time.Now()),
	})

	signed, err := token.SignedString(server.jwtSecret)
	if err != nil {
		log.Errorf("Can't sign token: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't create session")

		return
	}

	log.WithField("username", request.Username).Debug("User logged in")

	render.JSON(w, r, loginResponse{Token: signed})
}

func (server *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")

		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			sendError(w, r, http.StatusUnauthorized, "authorization required")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return server.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			sendError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			sendError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, subject)))
	})
}

func (server *Server) getNodes(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userIDKey).(string)

	nodeIDs, err := server.storage.GetUserNodes(userID)
	if err != nil {
		log.Errorf("Can't get user nodes: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't get nodes")

		return
	}

	if nodeIDs == nil {
		nodeIDs = []string{}
	}

	render.JSON(w, r, nodesResponse{Nodes: nodeIDs})
}

func (server *Server) getNodeConfig(w http.ResponseWriter, r *http.Request) {
	node, ok := server.ownedNode(w, r)
	if !ok {
		return
	}

	nodeConfig, err := server.storage.GetNodeConfig(node.NodeID)
	if err != nil {
		log.Errorf("Can't get node config: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't get node config")

		return
	}

	sendRawJSON(w, r, nodeConfig)
}

func (server *Server) setNodeConfig(w http.ResponseWriter, r *http.Request) {
	node, ok := server.ownedNode(w, r)
	if !ok {
		return
	}

	nodeConfig, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "can't read request body")
		return
	}

	if !json.Valid(nodeConfig) {
		sendError(w, r, http.StatusBadRequest, "invalid config JSON")
		return
	}

	if err = server.storage.SetNodeConfig(node.NodeID, nodeConfig); err != nil {
		log.Errorf("Can't set node config: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't set node config")

		return
	}

	log.WithField("nodeID", node.NodeID).Debug("Node config updated")

	render.NoContent(w, r)
}

func (server *Server) getNodeStatus(w http.ResponseWriter, r *http.Request) {
	node, ok := server.ownedNode(w, r)
	if !ok {
		return
	}

	response := statusResponse{Status: statusOffline}

	if !node.LastSeen.IsZero() {
		lastSeen := node.LastSeen
		response.LastSeen = &lastSeen

		if time.Since(node.LastSeen) < server.onlineWindow {
			response.Status = statusOnline
		}
	}

	render.JSON(w, r, response)
}

func (server *Server) getNodeParams(w http.ResponseWriter, r *http.Request) {
	node, ok := server.ownedNode(w, r)
	if !ok {
		return
	}

	params, err := server.storage.GetNodeParams(node.NodeID)
	if err != nil {
		log.Errorf("Can't get node params: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't get node params")

		return
	}

	sendRawJSON(w, r, params)
}

func (server *Server) setNodeParams(w http.ResponseWriter, r *http.Request) {
	node, ok := server.ownedNode(w, r)
	if !ok {
		return
	}

	params, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		sendError(w, r, http.StatusBadRequest, "can't read request body")
		return
	}

	if !json.Valid(params) {
		sendError(w, r, http.StatusBadRequest, "invalid params JSON")
		return
	}

	if err = server.storage.SetNodeParams(node.NodeID, params); err != nil {
		log.Errorf("Can't set node params: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't set node params")

		return
	}

	log.WithField("nodeID", node.NodeID).Debug("Node params updated")

	render.NoContent(w, r)
}

func (server *Server) getMQTTHost(w http.ResponseWriter, r *http.Request) {
	if server.mqttHost == "" {
		sendError(w, r, http.StatusNotFound, "MQTT host is not configured")
		return
	}

	render.JSON(w, r, mqttHostResponse{MQTTHost: server.mqttHost})
}

func (server *Server) startNodeOTA(w http.ResponseWriter, r *http.Request) {
	node, ok := server.ownedNode(w, r)
	if !ok {
		return
	}

	var request otaRequest

	if err := render.DecodeJSON(r.Body, &request); err != nil {
		sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if request.ImageURL == "" {
		sendError(w, r, http.StatusBadRequest, "image URL is not set")
		return
	}

	current, err := server.storage.GetNodeParams(node.NodeID)
	if err != nil {
		log.Errorf("Can't get node params: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't get node params")

		return
	}

	params := map[string]json.RawMessage{}

	if len(current) > 0 {
		if err = json.Unmarshal(current, &params); err != nil {
			log.Errorf("Can't parse node params: %s", err)
			sendError(w, r, http.StatusInternalServerError, "can't parse node params")

			return
		}
	}

	otaParams, err := json.Marshal(map[string]string{"url": request.ImageURL, "status": "triggered"})
	if err != nil {
		log.Errorf("Can't marshal OTA params: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't start OTA upgrade")

		return
	}

	params["ota"] = otaParams

	updated, err := json.Marshal(params)
	if err != nil {
		log.Errorf("Can't marshal node params: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't start OTA upgrade")

		return
	}

	if err = server.storage.SetNodeParams(node.NodeID, updated); err != nil {
		log.Errorf("Can't set node params: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't start OTA upgrade")

		return
	}

	log.WithFields(log.Fields{"nodeID": node.NodeID, "url": request.ImageURL}).Info("OTA upgrade triggered")

	render.NoContent(w, r)
}

func (server *Server) removeNode(w http.ResponseWriter, r *http.Request) {
	node, ok := server.ownedNode(w, r)
	if !ok {
		return
	}

	if err := server.storage.RemoveUserNodeMapping(node.NodeID); err != nil {
		log.Errorf("Can't remove user node mapping: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't remove node")

		return
	}

	log.WithField("nodeID", node.NodeID).Debug("User node mapping removed")

	render.NoContent(w, r)
}

func (server *Server) claimInit(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userIDKey).(string)

	var request claimInitRequest

	if err := render.DecodeJSON(r.Body, &request); err != nil {
		sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	nodeID, secretKey, err := server.claimer.InitClaim(userID, request.MAC, request.Platform)
	if err != nil {
		sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	render.JSON(w, r, claimInitResponse{NodeID: nodeID, SecretKey: secretKey})
}

func (server *Server) claimVerify(w http.ResponseWriter, r *http.Request) {
	var request claimVerifyRequest

	if err := render.DecodeJSON(r.Body, &request); err != nil {
		sendError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := server.claimer.VerifyClaim(request.NodeID, request.SecretKey); err != nil {
		sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	state, err := server.claimer.GetClaimState(request.NodeID)
	if err != nil {
		log.Errorf("Can't get claim state: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't get claim state")

		return
	}

	render.JSON(w, r, claimVerifyResponse{NodeID: request.NodeID, ClaimState: state})
}

func (server *Server) ownedNode(w http.ResponseWriter, r *http.Request) (node database.NodeInfo, ok bool) {
	userID, _ := r.Context().Value(userIDKey).(string)
	nodeID := chi.URLParam(r, "nodeID")

	node, err := server.storage.GetNode(nodeID)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			sendError(w, r, http.StatusNotFound, "node not found")
			return node, false
		}

		log.Errorf("Can't get node: %s", err)
		sendError(w, r, http.StatusInternalServerError, "can't get node")

		return node, false
	}

	if node.UserID != userID {
		sendError(w, r, http.StatusForbidden, "node is not associated with the user")
		return node, false
	}

	return node, true
}

func sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: message})
}

func sendRawJSON(w http.ResponseWriter, r *http.Request, data []byte) {
	if len(data) == 0 {
		data = []byte("{}")
	}

	render.JSON(w, r, json.RawMessage(data))
}
