package controllers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var errInvalidID = errors.New("invalid id")

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, errInvalidID
	}
	return uint(id), nil
}

func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// durationQuery reads a Go duration ("24h") from the query string.
func durationQuery(c *fiber.Ctx, key string, def, max time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.New(key + " must be a positive duration such as 24h")
	}
	if d > max {
		d = max
	}
	return d, nil
}

// validationDetails flattens validator errors into field/rule pairs.
func validationDetails(err error) []fiber.Map {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []fiber.Map{{"message": err.Error()}}
	}
	details := make([]fiber.Map, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fiber.Map{
			"field": strings.ToLower(fe.Field()),
			"rule":  fe.Tag(),
		})
	}
	return details
}

func isValidation(err error) bool {
	var verrs validator.ValidationErrors
	return errors.As(err, &verrs)
}

func validationFailed(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
		"error":   "validation_failed",
		"message": "Request validation failed",
		"details": validationDetails(err),
	})
}
