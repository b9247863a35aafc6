// Package handlers exposes the sync engine over a small fiber HTTP API.
package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/MaxMinsk/HaMapAddon/internal/models"
)

// HTTPStatus maps an operation status to an HTTP status code
func HTTPStatus(success bool, status string) int {
	switch status {
	case models.StatusInvalidConfig, models.StatusInvalidRequest, models.StatusNoSession:
		return fiber.StatusBadRequest
	case models.StatusBusy:
		return fiber.StatusConflict
	case models.StatusAuthError, models.StatusGraphError, models.StatusHistoryError,
		models.StatusRequestFailed, models.StatusInvalidResponse:
		return fiber.StatusBadGateway
	case models.StatusExpired:
		return fiber.StatusGone
	case models.StatusException:
		return fiber.StatusInternalServerError
	}
	if success {
		return fiber.StatusOK
	}
	// denied and other terminal failures of the caller's own making
	return fiber.StatusBadRequest
}

// sendResult writes body with the code derived from result
func sendResult(c *fiber.Ctx, result models.Result, body interface{}) error {
	return c.Status(HTTPStatus(result.Success, result.Status)).JSON(body)
}

// sendInvalid writes an invalid_request result
func sendInvalid(c *fiber.Ctx, message string) error {
	result := models.Fail(models.StatusInvalidRequest, message)
	return sendResult(c, result, result)
}
