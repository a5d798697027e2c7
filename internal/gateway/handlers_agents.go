package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (g *Gateway) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *Gateway) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, g.deps.Registry.List())
}

func (g *Gateway) handleAgentManifest(c *gin.Context) {
	manifest, err := g.deps.Registry.ManifestFor(c.Param("name"))
	if err != nil {
		writeAppError(c, "Gateway.handleAgentManifest", err)
		return
	}
	c.JSON(http.StatusOK, manifest)
}
