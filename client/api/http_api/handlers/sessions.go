package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/frostmesh/frostmesh/client/api/dto"
	cs "github.com/frostmesh/frostmesh/client/api/http_api/context_service"
	req "github.com/frostmesh/frostmesh/client/api/http_api/requests"
)

func (a *HTTPApp) ProposeSession(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	formDTO := &dto.ProposeSessionDTO{}
	if err := ctx.BindToDTO(&req.ProposeSessionForm{}, formDTO); err != nil {
		return err
	}

	info, err := a.node.ProposeSession(formDTO)
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, info)
}

func (a *HTTPApp) AcceptSession(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	formDTO := &dto.SessionIdDTO{}
	if err := ctx.BindToDTO(&req.SessionIdForm{}, formDTO); err != nil {
		return err
	}

	info, err := a.node.AcceptSession(formDTO)
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, info)
}

func (a *HTTPApp) DeclineSession(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	formDTO := &dto.SessionIdDTO{}
	if err := ctx.BindToDTO(&req.SessionIdForm{}, formDTO); err != nil {
		return err
	}

	if err := a.node.DeclineSession(formDTO); err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, "ok")
}

func (a *HTTPApp) ResetSession(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	if err := a.node.ResetSession(); err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, "ok")
}

func (a *HTTPApp) GetSessionInfo(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	snapshot, err := a.node.GetSessionInfo()
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, snapshot)
}

func (a *HTTPApp) GetInvites(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	invites, err := a.node.GetInvites()
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, invites)
}
