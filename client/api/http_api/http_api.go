// Package http_api exposes the node's coordination operations over a
// small REST surface with a uniform response envelope.
package http_api

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	echo_middleware "github.com/labstack/echo/v4/middleware"

	"github.com/frostmesh/frostmesh/client/api/http_api/router"
	"github.com/frostmesh/frostmesh/client/config"
	"github.com/frostmesh/frostmesh/client/services/node"
)

type RESTApiProvider struct {
	config       *config.HttpApiConfig
	echoInstance *echo.Echo
}

func (p *RESTApiProvider) NewServer(conf *config.Config, node node.NodeService) error {
	p.config = conf.HttpApi

	p.echoInstance = echo.New()
	p.echoInstance.HideBanner = true
	p.echoInstance.Debug = p.config.Debug
	p.echoInstance.HTTPErrorHandler = customHTTPErrorHandler

	p.echoInstance.Use(echo_middleware.Logger())
	p.echoInstance.Use(contextServiceMiddleware)

	router.SetRouter(p.echoInstance, node)

	return nil
}

func (p *RESTApiProvider) Start() error {
	return p.echoInstance.Start(fmt.Sprintf("%s:%d", p.config.Host, p.config.Port))
}

func (p *RESTApiProvider) Stop(ctx context.Context) error {
	return p.echoInstance.Shutdown(ctx)
}
