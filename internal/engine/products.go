package engine

import (
	"context"

	"github.com/google/uuid"

	"pharmaline/internal/domain"
)

// ProductCreateOptions are parameters for registering a product.
type ProductCreateOptions struct {
	ID         string
	Name       string
	Type       string
	TabletType string
	Coated     bool
}

func (e Engine) CreateProduct(ctx context.Context, opts ProductCreateOptions) (domain.Product, error) {
	if opts.Name == "" {
		return domain.Product{}, PreconditionError{Detail: "name is required"}
	}
	switch opts.Type {
	case domain.ProductOintment, domain.ProductTablet, domain.ProductCapsule:
	default:
		return domain.Product{}, PreconditionError{Detail: "type must be ointment, tablet or capsule"}
	}
	if opts.Type == domain.ProductTablet {
		switch opts.TabletType {
		case domain.TabletNormal, domain.TabletType2:
		default:
			return domain.Product{}, PreconditionError{Detail: "tablet products need tablet_type normal or tablet_2"}
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	p := domain.Product{
		ID:         opts.ID,
		Name:       opts.Name,
		Type:       opts.Type,
		TabletType: opts.TabletType,
		Coated:     opts.Coated,
		CreatedAt:  e.nowRFC3339(),
	}
	if err := e.Repo.InsertProduct(ctx, p); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

// MachineCreateOptions are parameters for registering a machine.
type MachineCreateOptions struct {
	ID          string
	Name        string
	MachineType string
}

func (e Engine) CreateMachine(ctx context.Context, opts MachineCreateOptions) (domain.Machine, error) {
	if opts.Name == "" || opts.MachineType == "" {
		return domain.Machine{}, PreconditionError{Detail: "name and machine_type are required"}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	m := domain.Machine{
		ID:          opts.ID,
		Name:        opts.Name,
		MachineType: opts.MachineType,
		Active:      true,
		CreatedAt:   e.nowRFC3339(),
	}
	if err := e.Repo.InsertMachine(ctx, m); err != nil {
		return domain.Machine{}, err
	}
	return m, nil
}
