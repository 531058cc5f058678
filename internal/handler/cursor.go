package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"vending-controller/internal/model"
)

type CursorSource interface {
	LastProcessed(ctx context.Context) (*model.ReceivedEventRecord, error)
}

type CursorHandler struct {
	Source CursorSource
}

func (h *CursorHandler) Get(c *gin.Context) {
	rec, err := h.Source.LastProcessed(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("read cursor")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read cursor"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"last_processed": rec})
}
