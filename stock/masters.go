package stock

import (
	"context"
	"fmt"
	"strings"
)

// =============================================================================
// ITEM MASTER
// =============================================================================

// ValidateItem checks mandatory fields. The ID defaults to the item name.
func ValidateItem(item *Item) error {
	item.ItemName = strings.TrimSpace(item.ItemName)
	if item.ItemName == "" {
		return &FieldError{Field: "item_name", Message: "Item Name is mandatory"}
	}
	if item.ID == "" {
		item.ID = ItemID(item.ItemName)
	}
	return nil
}

func (s *Service) CreateItem(ctx context.Context, actor Actor, item Item) (*Item, error) {
	if err := actor.Require(CapItemWrite); err != nil {
		return nil, err
	}
	if err := ValidateItem(&item); err != nil {
		return nil, err
	}
	item.CreatedAt = s.Clock()
	if err := s.Store.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create item %s: %w", item.ID, err)
	}
	return &item, nil
}

func (s *Service) GetItem(ctx context.Context, actor Actor, id ItemID) (*Item, error) {
	if err := actor.Require(CapItemRead); err != nil {
		return nil, err
	}
	return s.Store.GetItem(ctx, id)
}

func (s *Service) ListItems(ctx context.Context, actor Actor) ([]Item, error) {
	if err := actor.Require(CapItemRead); err != nil {
		return nil, err
	}
	return s.Store.ListItems(ctx)
}

// =============================================================================
// WAREHOUSE MASTER - Tree via parent links
// =============================================================================

// ValidateWarehouse checks mandatory fields and the parent link.
// The parent must exist and be a group, and the chain above it must not
// lead back to wh.
func ValidateWarehouse(ctx context.Context, catalog Catalog, wh *Warehouse) error {
	wh.WarehouseName = strings.TrimSpace(wh.WarehouseName)
	if wh.WarehouseName == "" {
		return &FieldError{Field: "warehouse_name", Message: "Warehouse Name is mandatory"}
	}
	if strings.TrimSpace(wh.Address) == "" {
		return &FieldError{Field: "address", Message: "Address is mandatory"}
	}
	if wh.ID == "" {
		wh.ID = WarehouseID(wh.WarehouseName)
	}
	if wh.ParentWarehouse == "" {
		return nil
	}

	visited := map[WarehouseID]bool{wh.ID: true}
	for cur := wh.ParentWarehouse; cur != ""; {
		if visited[cur] {
			return ErrWarehouseCycle
		}
		visited[cur] = true
		parent, err := catalog.GetWarehouse(ctx, cur)
		if err != nil {
			return fmt.Errorf("parent warehouse %s: %w", cur, err)
		}
		if cur == wh.ParentWarehouse && !parent.IsGroup {
			return &RuleError{
				Rule:    ErrGroupWarehouse,
				Message: fmt.Sprintf("Parent Warehouse %s must be a group warehouse", cur),
			}
		}
		cur = parent.ParentWarehouse
	}
	return nil
}

func (s *Service) CreateWarehouse(ctx context.Context, actor Actor, wh Warehouse) (*Warehouse, error) {
	if err := actor.Require(CapWarehouseWrite); err != nil {
		return nil, err
	}
	if err := ValidateWarehouse(ctx, s.Store, &wh); err != nil {
		return nil, err
	}
	wh.CreatedAt = s.Clock()
	if err := s.Store.CreateWarehouse(ctx, wh); err != nil {
		return nil, fmt.Errorf("create warehouse %s: %w", wh.ID, err)
	}
	return &wh, nil
}

func (s *Service) GetWarehouse(ctx context.Context, actor Actor, id WarehouseID) (*Warehouse, error) {
	if err := actor.Require(CapWarehouseRead); err != nil {
		return nil, err
	}
	return s.Store.GetWarehouse(ctx, id)
}

func (s *Service) ListWarehouses(ctx context.Context, actor Actor) ([]Warehouse, error) {
	if err := actor.Require(CapWarehouseRead); err != nil {
		return nil, err
	}
	return s.Store.ListWarehouses(ctx)
}

// WarehouseChildren returns the direct children of a warehouse.
func (s *Service) WarehouseChildren(ctx context.Context, actor Actor, id WarehouseID) ([]Warehouse, error) {
	if err := actor.Require(CapWarehouseRead); err != nil {
		return nil, err
	}
	if _, err := s.Store.GetWarehouse(ctx, id); err != nil {
		return nil, err
	}
	all, err := s.Store.ListWarehouses(ctx)
	if err != nil {
		return nil, err
	}
	var children []Warehouse
	for _, wh := range all {
		if wh.ParentWarehouse == id {
			children = append(children, wh)
		}
	}
	return children, nil
}
