package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/frostmesh/frostmesh/client/api/dto"
	cs "github.com/frostmesh/frostmesh/client/api/http_api/context_service"
	req "github.com/frostmesh/frostmesh/client/api/http_api/requests"
)

func (a *HTTPApp) GetMeshStatus(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	status, err := a.node.GetMeshStatus()
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, status)
}

func (a *HTTPApp) SendMessage(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	formDTO := &dto.SendMessageDTO{}
	if err := ctx.BindToDTO(&req.SendMessageForm{}, formDTO); err != nil {
		return err
	}

	if err := a.node.SendMessage(formDTO); err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, "ok")
}

func (a *HTTPApp) GetDevices(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	devices, err := a.node.GetDevices()
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, devices)
}
