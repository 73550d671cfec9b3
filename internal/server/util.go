package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lzdev42/catalytic-sub000/internal/device"
)

const maxIDLen = 128

type errorResp struct {
	Error string `json:"error"`
}

// sanitizeBase turns a configured mount point into "" (root) or "/seg[/seg]".
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// validDeviceID accepts catalog ids: A-Z a-z 0-9 . _ - up to maxIDLen, no "..".
func validDeviceID(s string) bool {
	if s == "" || len(s) > maxIDLen || strings.Contains(s, "..") {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-')
	}) < 0
}

func deviceID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !validDeviceID(id) {
		fail(c, http.StatusBadRequest, "invalid device id: allowed [A-Za-z0-9._-] and no '..'")
		return "", false
	}
	return id, true
}

// Addresses such as /dev/ttyUSB0:9600 contain slashes, hence the wildcard.
func reservoirAddress(c *gin.Context) (string, bool) {
	addr := strings.TrimPrefix(c.Param("address"), "/")
	if addr == "" {
		fail(c, http.StatusBadRequest, "address required")
		return "", false
	}
	return addr, true
}

func deviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, device.ErrDriverNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrStateChanged), errors.Is(err, device.ErrConfigured):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func fail(c *gin.Context, code int, msg string) {
	writeJSON(c, code, errorResp{Error: msg})
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
