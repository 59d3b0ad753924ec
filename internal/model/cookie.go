package model

import "github.com/riptidedb/riptide/internal/status"

// Cookie identifies a suspended client operation. The front-end hands one to
// the engine with each request; when the engine returns WouldBlock it keeps
// the cookie and notifies it exactly once with a terminal status.
type Cookie interface {
	// Notify delivers the terminal status for the suspended operation.
	Notify(code status.Code)
}

// FuncCookie adapts a function to the Cookie interface.
type FuncCookie func(code status.Code)

// Notify implements Cookie.
func (f FuncCookie) Notify(code status.Code) {
	f(code)
}
