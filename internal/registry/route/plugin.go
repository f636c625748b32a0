package route

import (
	"cmp"
	"slices"

	"github.com/gin-gonic/gin"
)

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine) error

// RouteType distinguishes which server a plugin's routes belong to.
type RouteType int

const (
	// RouteTypeMain registers routes on the main API server.
	RouteTypeMain RouteType = iota
	// RouteTypeManagement registers health and metrics routes. Without a
	// dedicated management port they are mounted on the main server.
	RouteTypeManagement
)

// Plugin is a route loader with an order for a deterministic mount sequence.
type Plugin struct {
	Order  int
	Type   RouteType
	Loader RouterLoader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func loaders(t RouteType) []RouterLoader {
	sorted := slices.Clone(plugins)
	slices.SortStableFunc(sorted, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	var out []RouterLoader
	for _, p := range sorted {
		if p.Type == t {
			out = append(out, p.Loader)
		}
	}
	return out
}

// MainRouteLoaders returns loaders for RouteTypeMain plugins, sorted by order.
func MainRouteLoaders() []RouterLoader {
	return loaders(RouteTypeMain)
}

// ManagementRouteLoaders returns loaders for RouteTypeManagement plugins, sorted by order.
func ManagementRouteLoaders() []RouterLoader {
	return loaders(RouteTypeManagement)
}
