package model

import "fmt"

// ProductReference identifies a product sold by exactly one provider.
type ProductReference struct {
	ID       string `json:"id" gorm:"column:id;not null" validate:"required"`
	Category string `json:"category" gorm:"column:category;not null" validate:"required"`
	Provider string `json:"provider" gorm:"column:provider;not null;index" validate:"required,provider_id"`
}

func (p ProductReference) String() string {
	return fmt.Sprintf("%s/%s@%s", p.ID, p.Category, p.Provider)
}

type Product struct {
	Reference    ProductReference `json:"reference"`
	Description  string           `json:"description"`
	Cpu          int              `json:"cpu,omitempty"`
	MemoryInGigs int              `json:"memoryInGigs,omitempty"`
	Gpu          int              `json:"gpu,omitempty"`
}
