package primary

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fidato13/nrtsearch-primary/replica"
)

// nodeInfo is the JSON-facing projection of a replica.Handle; the RPC
// client itself is never serialized.
type nodeInfo struct {
	ReplicaID int64  `json:"replicaId"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

// NewAdminRouter builds the intra-cluster admin HTTP surface: a status
// endpoint mirroring getNodesInfo(), a liveness probe, and a Prometheus
// scrape endpoint. Grounded in SharedCode-sop/restapi's gin.Default() +
// route-registration pattern, without its OAuth/Swagger layers, which
// have no analog for an intra-cluster-only surface.
func NewAdminRouter(core *Core) *gin.Engine {
	var router = gin.Default()

	router.GET("/healthz", func(c *gin.Context) {
		if core.IsClosed() {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusOK)
	})

	router.GET("/nodes", func(c *gin.Context) {
		var handles = core.GetNodesInfo()
		var nodes = make([]nodeInfo, 0, len(handles))
		for _, h := range handles {
			nodes = append(nodes, toNodeInfo(h))
		}
		c.JSON(http.StatusOK, nodes)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

func toNodeInfo(h replica.Handle) nodeInfo {
	return nodeInfo{ReplicaID: h.ID, Host: h.HostPort.Host, Port: h.HostPort.Port}
}
