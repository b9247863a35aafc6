package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/MaxMinsk/HaMapAddon/internal/models"
)

// DeviceFlow is the device-code login state machine
type DeviceFlow interface {
	Start(ctx context.Context) models.DeviceFlowResult
	Poll(ctx context.Context) models.DeviceFlowResult
	GetStatus() models.DeviceFlowResult
	Disconnect() models.DeviceFlowResult
}

// DeviceHandler handles the OneDrive device login
type DeviceHandler struct {
	flow DeviceFlow
}

// NewDeviceHandler creates a new device login handler
func NewDeviceHandler(flow DeviceFlow) *DeviceHandler {
	return &DeviceHandler{flow: flow}
}

// Start begins a device login
// POST /api/onedrive/device/start
func (h *DeviceHandler) Start(c *fiber.Ctx) error {
	result := h.flow.Start(c.UserContext())
	return sendResult(c, result.Result, result)
}

// Poll checks once whether the user finished the login
// POST /api/onedrive/device/poll
func (h *DeviceHandler) Poll(c *fiber.Ctx) error {
	result := h.flow.Poll(c.UserContext())
	return sendResult(c, result.Result, result)
}

// Status reports the login state without calling the identity provider
// GET /api/onedrive/device/status
func (h *DeviceHandler) Status(c *fiber.Ctx) error {
	return c.JSON(h.flow.GetStatus())
}

// Disconnect forgets the stored drive credential
// DELETE /api/onedrive/device
func (h *DeviceHandler) Disconnect(c *fiber.Ctx) error {
	result := h.flow.Disconnect()
	return sendResult(c, result.Result, result)
}
