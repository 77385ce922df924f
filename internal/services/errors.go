package services

import "net/http"

// UnauthorizedError is returned for rejected credentials
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }

// StatusCode implements statusCoder
func (e *UnauthorizedError) StatusCode() int { return http.StatusUnauthorized }

// NotFoundError is returned for unknown streams
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// StatusCode implements statusCoder
func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// BadRequestError is returned for malformed payloads
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string { return e.Message }

// StatusCode implements statusCoder
func (e *BadRequestError) StatusCode() int { return http.StatusBadRequest }

type statusCoder interface {
	StatusCode() int
}
