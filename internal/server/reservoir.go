package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type bufferResp struct {
	Address string `json:"address"`
	Len     int    `json:"len"`
	Data    []byte `json:"data,omitempty"`
}

func (r *Router) handleReservoirList(c *gin.Context) {
	addrs := r.b.Reservoir.Addresses()
	out := make([]bufferResp, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, bufferResp{Address: a, Len: r.b.Reservoir.Len(a)})
	}
	writeJSON(c, http.StatusOK, out)
}

// Peek leaves the buffer intact so a later fetch-data task still sees it.
func (r *Router) handleReservoirPeek(c *gin.Context) {
	addr, ok := reservoirAddress(c)
	if !ok {
		return
	}
	data := r.b.Reservoir.Peek(addr)
	writeJSON(c, http.StatusOK, bufferResp{Address: addr, Len: len(data), Data: data})
}

func (r *Router) handleReservoirClear(c *gin.Context) {
	addr, ok := reservoirAddress(c)
	if !ok {
		return
	}
	r.b.Reservoir.Clear(addr)
	c.Status(http.StatusNoContent)
}
