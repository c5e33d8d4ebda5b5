package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/amplifierd/internal/device"
)

// handleListDevices lists devices. Optional filters: tag, platform,
// capability and connected=true.
func (s *Server) handleListDevices(c echo.Context) error {
	filter := deviceFilter(c)
	out := []device.Info{}
	for _, info := range s.services.Devices().List() {
		if filter(info) {
			out = append(out, info)
		}
	}
	return c.JSON(http.StatusOK, DeviceListResponse{Devices: out, Count: len(out)})
}

func (s *Server) handleGetDevice(c echo.Context) error {
	info, err := s.services.Devices().Get(c.Param("id"))
	if err != nil {
		return s.apiError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func deviceFilter(c echo.Context) device.Filter {
	var filters []device.Filter
	if tag := c.QueryParam("tag"); tag != "" {
		filters = append(filters, device.HasTag(tag))
	}
	if p := c.QueryParam("platform"); p != "" {
		filters = append(filters, device.OnPlatform(p))
	}
	if capability := c.QueryParam("capability"); capability != "" {
		filters = append(filters, device.HasCapability(capability))
	}
	if c.QueryParam("connected") == "true" {
		filters = append(filters, device.Connected)
	}
	if len(filters) == 0 {
		return device.All
	}
	return device.And(filters...)
}
