package warehouse

import (
	"context"
	"net/url"
)

// WarehouseHealth is the health report of a warehouse.
type WarehouseHealth struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// WarehouseInfo describes a SQL warehouse as returned by /warehouses/{id}.
type WarehouseInfo struct {
	ID                      string           `json:"id"`
	Name                    string           `json:"name"`
	State                   string           `json:"state"`
	ClusterSize             string           `json:"cluster_size"`
	WarehouseType           string           `json:"warehouse_type,omitempty"`
	MinNumClusters          int              `json:"min_num_clusters"`
	MaxNumClusters          int              `json:"max_num_clusters"`
	NumClusters             int              `json:"num_clusters"`
	NumActiveSessions       int              `json:"num_active_sessions"`
	AutoStopMins            int              `json:"auto_stop_mins"`
	EnableServerlessCompute bool             `json:"enable_serverless_compute"`
	Health                  *WarehouseHealth `json:"health,omitempty"`
}

// Running reports whether the warehouse can accept statements without
// starting up first.
func (w *WarehouseInfo) Running() bool {
	return w.State == "RUNNING"
}

// GetWarehouse retrieves the state and sizing of a warehouse. An empty id
// selects the configured default warehouse.
func (c *Client) GetWarehouse(ctx context.Context, id string) (*WarehouseInfo, error) {
	if id == "" {
		id = c.cfg.WarehouseID
	}
	if id == "" {
		return nil, &ConfigurationError{Field: "WarehouseID", Reason: "is required"}
	}

	info := new(WarehouseInfo)
	if err := c.doJSON(ctx, "GET", "warehouses/"+url.PathEscape(id), nil, info); err != nil {
		return nil, err
	}
	c.logger.Debug().Str("warehouse_id", id).Str("state", info.State).Msg("fetched warehouse info")
	return info, nil
}
