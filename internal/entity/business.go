package entity

import (
	"fmt"
	"time"

	"github.com/tillbook/tillbook/internal/record"
)

// Built-in kinds.
const (
	KindCustomers    record.Kind = "customers"
	KindAppointments record.Kind = "appointments"
	KindServices     record.Kind = "services"
	KindEmployees    record.Kind = "employees"
	KindPayments     record.Kind = "payments"
	KindExpenses     record.Kind = "expenses"
	KindNotes        record.Kind = "notes"
)

// Customer is a client of the business.
type Customer struct {
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	Notes  string `json:"notes,omitempty"`
	Active bool   `json:"active"`
}

// Appointment is a booked slot. Status is toggled on the device at check-in
// and is preserved locally across pulls.
type Appointment struct {
	CustomerID string    `json:"customer_id"`
	EmployeeID string    `json:"employee_id,omitempty"`
	ServiceID  string    `json:"service_id,omitempty"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Status     string    `json:"status"` // scheduled, checked_in, done, cancelled
	Notes      string    `json:"notes,omitempty"`
}

// Service is something the business sells.
type Service struct {
	Name        string `json:"name"`
	PriceCents  int64  `json:"price_cents"`
	DurationMin int    `json:"duration_min"`
	Active      bool   `json:"active"`
}

// Employee works for the business.
type Employee struct {
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Active bool   `json:"active"`
}

// Payment is money received.
type Payment struct {
	CustomerID    string    `json:"customer_id,omitempty"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	AmountCents   int64     `json:"amount_cents"`
	Method        string    `json:"method"`
	PaidAt        time.Time `json:"paid_at"`
}

// Expense is money spent.
type Expense struct {
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	SpentAt     time.Time `json:"spent_at"`
}

// Note is free text attached to the business or a customer.
type Note struct {
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
}

var (
	Customers = Define[Customer](KindCustomers,
		[]string{"active"},
		[]string{"name", "phone", "email"},
		func(c *Customer) error {
			if c.Name == "" {
				return fmt.Errorf("name is required: %w", record.ErrRejected)
			}
			return nil
		})

	Appointments = Define[Appointment](KindAppointments,
		[]string{"status"},
		[]string{"notes", "status"},
		func(a *Appointment) error {
			if a.StartsAt.IsZero() {
				return fmt.Errorf("starts_at is required: %w", record.ErrRejected)
			}
			if !a.EndsAt.IsZero() && a.EndsAt.Before(a.StartsAt) {
				return fmt.Errorf("ends_at precedes starts_at: %w", record.ErrRejected)
			}
			return nil
		})

	Services = Define[Service](KindServices,
		[]string{"active"},
		[]string{"name"},
		func(s *Service) error {
			if s.Name == "" {
				return fmt.Errorf("name is required: %w", record.ErrRejected)
			}
			if s.PriceCents < 0 {
				return fmt.Errorf("price_cents must not be negative: %w", record.ErrRejected)
			}
			return nil
		})

	Employees = Define[Employee](KindEmployees,
		[]string{"active"},
		[]string{"name", "role", "phone"},
		func(e *Employee) error {
			if e.Name == "" {
				return fmt.Errorf("name is required: %w", record.ErrRejected)
			}
			return nil
		})

	Payments = Define[Payment](KindPayments,
		nil,
		[]string{"method"},
		func(p *Payment) error {
			if p.AmountCents <= 0 {
				return fmt.Errorf("amount_cents must be positive: %w", record.ErrRejected)
			}
			return nil
		})

	Expenses = Define[Expense](KindExpenses,
		nil,
		[]string{"category", "description"},
		func(e *Expense) error {
			if e.AmountCents <= 0 {
				return fmt.Errorf("amount_cents must be positive: %w", record.ErrRejected)
			}
			return nil
		})

	Notes = Define[Note](KindNotes,
		nil,
		[]string{"title", "body"},
		nil)
)

// Builtin returns a registry with every built-in kind.
func Builtin() *Registry {
	return NewRegistry(
		Customers.Descriptor,
		Appointments.Descriptor,
		Services.Descriptor,
		Employees.Descriptor,
		Payments.Descriptor,
		Expenses.Descriptor,
		Notes.Descriptor,
	)
}
