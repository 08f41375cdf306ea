package http

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/peercall/internal/core"
)

type RoomsResponse struct {
	Rooms []core.RoomInfo `json:"rooms"`
}

// RoomsHandler lists the open rooms and how many members each has.
func RoomsHandler(rooms core.RoomManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := rooms.List()
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		c.JSON(http.StatusOK, RoomsResponse{Rooms: list})
	}
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
