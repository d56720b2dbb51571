package storage

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/diwise/iot-telemetry/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"
)

type ConditionFunc func(*Condition) *Condition

type Condition struct {
	DeviceID  string
	DeviceKey string
	AlarmID   string

	Tenant  string
	Tenants []string

	Severity types.Severity
	Status   types.AlarmStatus
	Channel  string

	TimeFrom time.Time
	TimeTo   time.Time

	sortBy    string
	sortOrder string

	offset *int
	limit  *int
}

func (c Condition) SortBy() string {
	return c.sortBy
}

func (c Condition) SortOrder() string {
	if c.sortOrder == "" {
		return "ASC"
	}
	return c.sortOrder
}

func (c Condition) Offset() int {
	if c.offset == nil {
		return 0
	}
	return *c.offset
}

func (c Condition) Limit() int {
	if c.limit == nil {
		return 0
	}
	return *c.limit
}

func (c Condition) NamedArgs() pgx.NamedArgs {
	args := pgx.NamedArgs{}

	if c.DeviceID != "" {
		args["device_id"] = c.DeviceID
	}
	if c.DeviceKey != "" {
		args["device_key"] = c.DeviceKey
	}
	if c.AlarmID != "" {
		args["alarm_id"] = c.AlarmID
	}
	if c.Tenant != "" {
		args["tenant"] = c.Tenant
	}
	if c.Tenants != nil {
		args["tenants"] = c.Tenants
	}
	if c.Severity != "" {
		args["severity"] = string(c.Severity)
	}
	if c.Status != "" {
		args["status"] = string(c.Status)
	}
	if !c.TimeFrom.IsZero() {
		args["time_from"] = c.TimeFrom.UTC()
	}
	if !c.TimeTo.IsZero() {
		args["time_to"] = c.TimeTo.UTC()
	}
	if c.offset != nil {
		args["offset"] = *c.offset
	}
	if c.limit != nil {
		args["limit"] = *c.limit
	}

	return args
}

func (c Condition) Where() string {
	where := []string{}

	if c.DeviceID != "" {
		where = append(where, "device_id = @device_id")
	}

	if c.DeviceKey != "" {
		where = append(where, "device_key = @device_key")
	}

	if c.AlarmID != "" {
		where = append(where, "alarm_id = @alarm_id")
	}

	if len(c.Tenant) > 0 && len(c.Tenants) > 0 && slices.Contains(c.Tenants, c.Tenant) {
		where = append(where, "tenant = @tenant")
	} else if len(c.Tenants) > 0 {
		where = append(where, "tenant = ANY(@tenants)")
	} else if c.Tenant != "" {
		where = append(where, "tenant = @tenant")
	}

	if c.Severity != "" {
		where = append(where, "severity = @severity")
	}

	if c.Status != "" {
		where = append(where, "status = @status")
	}

	if !c.TimeFrom.IsZero() {
		where = append(where, "time >= @time_from")
	}

	if !c.TimeTo.IsZero() {
		where = append(where, "time < @time_to")
	}

	if len(where) == 0 {
		return "1=1"
	}

	return strings.Join(where, " AND ")
}

func (c Condition) OffsetLimit() string {
	offsetLimit := ""

	if c.offset != nil {
		offsetLimit += fmt.Sprintf("OFFSET %d ", c.Offset())
	}
	if c.limit != nil {
		offsetLimit += fmt.Sprintf("LIMIT %d ", c.Limit())
	}

	return offsetLimit
}

func WithDeviceID(deviceID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DeviceID = deviceID
		return c
	}
}

func WithDeviceKey(deviceKey string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.DeviceKey = deviceKey
		return c
	}
}

func WithAlarmID(alarmID string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.AlarmID = alarmID
		return c
	}
}

func WithTenant(tenant string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Tenants = lo.Uniq(append(c.Tenants, tenant))
		c.Tenant = tenant
		return c
	}
}

func WithTenants(tenants []string) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Tenants = lo.Uniq(tenants)
		return c
	}
}

func WithSeverity(severity types.Severity) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Severity = severity
		return c
	}
}

func WithStatus(status types.AlarmStatus) ConditionFunc {
	return func(c *Condition) *Condition {
		c.Status = status
		return c
	}
}

func WithTimeRange(from, to time.Time) ConditionFunc {
	return func(c *Condition) *Condition {
		c.TimeFrom = from
		c.TimeTo = to
		return c
	}
}

func WithSortBy(sortBy string) ConditionFunc {
	return func(c *Condition) *Condition {
		switch strings.ToLower(sortBy) {
		case "time":
			c.sortBy = "time"
		case "device_id":
			c.sortBy = "device_id"
		case "severity":
			c.sortBy = "severity"
		case "triggered_at":
			c.sortBy = "triggered_at"
		}
		return c
	}
}

func WithSortDesc(desc bool) ConditionFunc {
	return func(c *Condition) *Condition {
		if desc {
			c.sortOrder = "DESC"
		} else {
			c.sortOrder = "ASC"
		}
		return c
	}
}

func WithOffset(offset int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.offset = &offset
		return c
	}
}

func WithLimit(limit int) ConditionFunc {
	return func(c *Condition) *Condition {
		c.limit = &limit
		return c
	}
}
