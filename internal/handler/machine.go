package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vending-controller/internal/model"
	"vending-controller/internal/nostr"
)

type MachineSource interface {
	Snapshot() []model.Machine
}

type MachineHandler struct {
	Source MachineSource
}

func (h *MachineHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"machines": h.Source.Snapshot()})
}

func (h *MachineHandler) Get(c *gin.Context) {
	pk, err := nostr.ParsePublicKey(c.Param("pubkey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid machine pubkey"})
		return
	}
	for _, m := range h.Source.Snapshot() {
		if m.PubKey == pk.Hex() {
			c.JSON(http.StatusOK, gin.H{"machine": m})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Machine not controlled by this node"})
}
