/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package prover

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/provideplatform/distprover/common"
)

const shareServerShutdownTimeout = time.Second * 5

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// InstallAPI registers the leader's share exchange handlers with gin
func InstallAPI(r *gin.Engine, col *collector) {
	r.POST("/api/v1/shares", createShareHandler(col))
	r.GET("/api/v1/status", shareStatusHandler(col))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func newShareEngine(col *collector) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(metricsMiddleware())
	InstallAPI(r, col)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		common.Log.Debugf("%s %s %d %s (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start), c.ClientIP())
	}
}

// deliver a worker share
func createShareHandler(col *collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		buf, err := c.GetRawData()
		if err != nil {
			renderError(c, 400, "", err.Error())
			return
		}

		ack, status := handleShare(col, buf)
		c.JSON(status, ack)
	}
}

// share collection progress
func shareStatusHandler(col *collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, col.status())
	}
}

// handleShare decodes and accepts a share; the returned status is the http equivalent of the outcome
func handleShare(col *collector, raw []byte) (*ShareAck, int) {
	msg := &ShareMessage{}
	if err := json.Unmarshal(raw, msg); err != nil {
		sharesReceived.WithLabelValues(string(col.circuit), "malformed").Inc()
		return &ShareAck{
			Accepted: false,
			Index:    -1,
			Code:     common.ErrShareRejected.Code,
			Error:    common.StringOrNil("failed to unmarshal share; " + err.Error()),
		}, 422
	}

	redelivered, err := col.accept(msg)
	if err != nil {
		common.Log.Warningf("rejected share from prover %d; %s", msg.Index, err.Error())
		sharesReceived.WithLabelValues(string(col.circuit), "rejected").Inc()

		status := 422
		if redelivered {
			// conflicting payload for an index already received
			status = 409
		}
		return &ShareAck{
			Accepted: false,
			Index:    msg.Index,
			Code:     errorCode(err),
			Error:    common.StringOrNil(errorDetail(err)),
		}, status
	}

	outcome := "accepted"
	if redelivered {
		outcome = "redelivered"
	}
	sharesReceived.WithLabelValues(string(col.circuit), outcome).Inc()
	return &ShareAck{
		Accepted: true,
		Index:    msg.Index,
	}, 200
}

// errorDetail returns the message of a typed error without its code and input,
// which the sender attaches again on its side
func errorDetail(err error) string {
	var e *common.Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return err.Error()
}

func renderError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": message,
	})
}

// shareServer serves the share exchange on the leader's topology address
type shareServer struct {
	server   *http.Server
	listener net.Listener
}

func startShareServer(listener net.Listener, col *collector) *shareServer {
	s := &shareServer{
		server: &http.Server{
			Handler:           newShareEngine(col),
			ReadHeaderTimeout: time.Second * 10,
		},
		listener: listener,
	}

	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.Log.Warningf("share server on %s stopped; %s", listener.Addr(), err.Error())
		}
	}()

	common.Log.Debugf("share server listening on %s", listener.Addr())
	return s
}

func (s *shareServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shareServerShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
