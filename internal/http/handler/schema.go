package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/invopop/jsonschema"

	"basegraph.app/syncrelay/internal/queue"
)

type QueueSchemasResponse struct {
	Envelope *jsonschema.Schema                       `json:"envelope"`
	Payloads map[queue.MessageType]*jsonschema.Schema `json:"payloads"`
}

type SchemaHandler struct {
	schemas QueueSchemasResponse
}

// NewSchemaHandler reflects the schemas once; they only change with a new build.
func NewSchemaHandler() *SchemaHandler {
	return &SchemaHandler{schemas: QueueSchemasResponse{
		Envelope: queue.EnvelopeSchema(),
		Payloads: queue.Schemas(),
	}}
}

func (h *SchemaHandler) Queue(c *gin.Context) {
	c.JSON(http.StatusOK, h.schemas)
}
