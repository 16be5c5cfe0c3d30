package handlers

import (
	"encoding/hex"
	"net/http"

	"github.com/labstack/echo/v4"

	cs "github.com/frostmesh/frostmesh/client/api/http_api/context_service"
)

func (a *HTTPApp) GetDkgState(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	state, err := a.node.GetDkgState()
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}
	return ctx.Json(http.StatusOK, state)
}

type walletView struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"session_id"`
	Participants   []string `json:"participants"`
	Threshold      int      `json:"threshold"`
	Index          int      `json:"index"`
	GroupPublicKey string   `json:"group_public_key"`
	CreatedAt      string   `json:"created_at"`
}

// GetWallets lists wallet metadata. Key shares never leave the keystore.
func (a *HTTPApp) GetWallets(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	wallets, err := a.node.GetWallets()
	if err != nil {
		return ctx.JsonError(http.StatusInternalServerError, err)
	}

	views := make([]walletView, 0, len(wallets))
	for _, w := range wallets {
		views = append(views, walletView{
			ID:             w.ID,
			SessionID:      w.SessionID,
			Participants:   w.Participants,
			Threshold:      w.Threshold,
			Index:          w.Index,
			GroupPublicKey: hex.EncodeToString(w.GroupPublicKey),
			CreatedAt:      w.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return ctx.Json(http.StatusOK, views)
}

func (a *HTTPApp) GetDeviceID(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	return ctx.Json(http.StatusOK, a.node.GetDeviceID())
}

func (a *HTTPApp) GetPubKey(c echo.Context) error {
	ctx := c.(*cs.ContextService)
	return ctx.Json(http.StatusOK, hex.EncodeToString(a.node.GetPubKey()))
}
