// Package command описывает действия сотрудников над заказом в виде закрытого набора типов.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmeshcher/metroshop/internal/model"
)

// ErrUnknownCommand возвращается, если строку действия не удалось разобрать.
var ErrUnknownCommand = errors.New("unknown command")

// Command описывает действие над заказом. Реализации перечислены в этом пакете, других нет.
type Command interface {
	OrderID() int64
	isCommand()
}

// Confirm подтверждает оплату заказа.
type Confirm struct{ Order int64 }

// Reject отклоняет оплату заказа.
type Reject struct{ Order int64 }

// Take назначает сотрудника исполнителем заказа.
type Take struct{ Order int64 }

// Leave снимает сотрудника с заказа.
type Leave struct{ Order int64 }

// Advance переводит заказ в следующий рабочий статус.
type Advance struct {
	Order  int64
	Target model.OrderStatus
}

func (c Confirm) OrderID() int64 { return c.Order }
func (c Reject) OrderID() int64  { return c.Order }
func (c Take) OrderID() int64    { return c.Order }
func (c Leave) OrderID() int64   { return c.Order }
func (c Advance) OrderID() int64 { return c.Order }

func (Confirm) isCommand() {}
func (Reject) isCommand()  {}
func (Take) isCommand()    {}
func (Leave) isCommand()   {}
func (Advance) isCommand() {}

// Parse разбирает строку вида "confirm:12" или "status:12:DELIVERING".
func Parse(data string) (Command, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, data)
	}

	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: bad order id in %q", ErrUnknownCommand, data)
	}

	if parts[0] == "status" {
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, data)
		}
		target, ok := model.ParseOrderStatus(parts[2])
		if !ok {
			return nil, fmt.Errorf("%w: bad status in %q", ErrUnknownCommand, data)
		}
		switch target {
		case model.OrderStatusInProgress, model.OrderStatusDelivering, model.OrderStatusDone:
			return Advance{Order: id, Target: target}, nil
		}
		return nil, fmt.Errorf("%w: status %s cannot be set directly", ErrUnknownCommand, target)
	}

	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, data)
	}

	switch parts[0] {
	case "confirm":
		return Confirm{Order: id}, nil
	case "reject":
		return Reject{Order: id}, nil
	case "take":
		return Take{Order: id}, nil
	case "leave":
		return Leave{Order: id}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, data)
}

// String возвращает строковое представление команды, обратное Parse.
func String(c Command) string {
	switch c := c.(type) {
	case Confirm:
		return fmt.Sprintf("confirm:%d", c.Order)
	case Reject:
		return fmt.Sprintf("reject:%d", c.Order)
	case Take:
		return fmt.Sprintf("take:%d", c.Order)
	case Leave:
		return fmt.Sprintf("leave:%d", c.Order)
	case Advance:
		return fmt.Sprintf("status:%d:%s", c.Order, c.Target)
	}
	return ""
}
