package router

import (
	"github.com/labstack/echo/v4"

	"github.com/frostmesh/frostmesh/client/api/http_api/handlers"
	"github.com/frostmesh/frostmesh/client/services/node"
)

func SetRouter(e *echo.Echo, node node.NodeService) {
	h := handlers.NewHTTPApp(node)

	e.GET("/getDeviceID", h.GetDeviceID)
	e.GET("/getPubKey", h.GetPubKey)

	e.POST("/proposeSession", h.ProposeSession)
	e.POST("/acceptSession", h.AcceptSession)
	e.POST("/declineSession", h.DeclineSession)
	e.POST("/resetSession", h.ResetSession)
	e.GET("/getSessionInfo", h.GetSessionInfo)
	e.GET("/getInvites", h.GetInvites)

	e.GET("/getMeshStatus", h.GetMeshStatus)
	e.POST("/sendMessage", h.SendMessage)
	e.GET("/getDevices", h.GetDevices)

	e.GET("/getDkgState", h.GetDkgState)
	e.GET("/getWallets", h.GetWallets)
}
