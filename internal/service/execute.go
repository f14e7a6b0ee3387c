package service

import (
	"context"
	"fmt"

	"github.com/mmeshcher/metroshop/internal/assignment"
	"github.com/mmeshcher/metroshop/internal/command"
)

// Outcome описывает результат выполнения команды сотрудника.
type Outcome string

const (
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeAlreadyConfirmed Outcome = "already_confirmed"
	OutcomeRejected         Outcome = "rejected"
	OutcomeAlreadyRejected  Outcome = "already_rejected"
	OutcomeTaken            Outcome = "taken"
	OutcomeLeft             Outcome = "left"
	OutcomeNotAssigned      Outcome = "not_assigned"
	OutcomeAdvanced         Outcome = "advanced"
)

// Execute выполняет команду сотрудника actorID над заказом.
func (s *Service) Execute(ctx context.Context, actorID int64, cmd command.Command) (Outcome, error) {
	switch c := cmd.(type) {
	case command.Confirm:
		changed, err := s.ConfirmPayment(ctx, c.Order)
		if err != nil {
			return "", err
		}
		if !changed {
			return OutcomeAlreadyConfirmed, nil
		}
		return OutcomeConfirmed, nil

	case command.Reject:
		changed, err := s.RejectPayment(ctx, c.Order)
		if err != nil {
			return "", err
		}
		if !changed {
			return OutcomeAlreadyRejected, nil
		}
		return OutcomeRejected, nil

	case command.Take:
		if err := s.Take(ctx, c.Order, actorID); err != nil {
			return "", err
		}
		return OutcomeTaken, nil

	case command.Leave:
		res, err := s.Leave(ctx, c.Order, actorID)
		if err != nil {
			return "", err
		}
		if res == assignment.NotAssigned {
			return OutcomeNotAssigned, nil
		}
		return OutcomeLeft, nil

	case command.Advance:
		if err := s.Advance(ctx, c.Order, c.Target); err != nil {
			return "", err
		}
		return OutcomeAdvanced, nil
	}

	return "", fmt.Errorf("%w: %T", command.ErrUnknownCommand, cmd)
}
