package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/breaker"
	"github.com/stake-plus/govwatch/src/graph"
	"github.com/stake-plus/govwatch/src/orchestrator"
)

type engine struct {
	agents   Catalog
	breakers *breaker.Registry
	service  *orchestrator.Service
}

func (h engine) Agents(c *gin.Context) {
	agents := []agentcore.Descriptor{}
	if h.agents != nil {
		agents = h.agents.Capabilities()
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h engine) Breakers(c *gin.Context) {
	snapshots := []breaker.Snapshot{}
	if h.breakers != nil {
		snapshots = h.breakers.Snapshots()
	}
	c.JSON(http.StatusOK, gin.H{"breakers": snapshots})
}

func (h engine) Entity(c *gin.Context) {
	var g *graph.Graph
	if h.service != nil {
		g = h.service.Graph()
	}
	if g == nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "entity graph disabled"})
		return
	}
	id := c.Param("id")
	entity, ok := g.Entity(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"err": "entity not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entity":        entity,
		"neighbors":     g.Neighbors(id),
		"relationships": g.Relationships(id),
	})
}
