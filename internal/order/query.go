package order

import (
	"context"
	"fmt"
	"strings"

	"go_dbchange/internal/authz"
	"go_dbchange/internal/httpx"
	"go_dbchange/internal/model"
)

// ListQuery 工单列表查询参数
type ListQuery struct {
	httpx.PageQuery
	Search        string            `form:"search"`
	Status        model.OrderStatus `form:"status"`
	EnvironmentID int               `form:"environmentId"`
	OnlyMine      bool              `form:"onlyMine"`
}

// ListItem 列表行
type ListItem struct {
	model.Order
	InstanceName    string `json:"instanceName"`
	EnvironmentName string `json:"environmentName"`
}

// List returns one page of orders, newest first
func (s *Service) List(ctx context.Context, caller authz.Caller, q ListQuery) ([]ListItem, int64, error) {
	q.Normalize()
	if q.Status != "" && !q.Status.Valid() {
		return nil, 0, httpx.ErrValidation(fmt.Sprintf("unknown status %q", q.Status))
	}

	query := s.db.WithContext(ctx).Model(&model.Order{})
	if search := strings.TrimSpace(q.Search); search != "" {
		query = query.Where("title LIKE ?", "%"+search+"%")
	}
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	if q.EnvironmentID > 0 {
		query = query.Where("environment_id = ?", q.EnvironmentID)
	}
	if q.OnlyMine {
		query = query.Where("applicant_id = ?", caller.UID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, httpx.ErrDatabaseError("failed to count orders", err)
	}

	var orders []model.Order
	if err := query.Order("id DESC").Offset(q.Offset()).Limit(q.Size).Find(&orders).Error; err != nil {
		return nil, 0, httpx.ErrDatabaseError("failed to list orders", err)
	}

	items := make([]ListItem, 0, len(orders))
	if len(orders) == 0 {
		return items, total, nil
	}

	ids := make([]int, 0, len(orders))
	instanceIDs := make([]int, 0, len(orders))
	envIDs := make([]int, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		instanceIDs = append(instanceIDs, o.InstanceID)
		envIDs = append(envIDs, o.EnvironmentID)
	}

	var instances []model.DBInstance
	if err := s.db.WithContext(ctx).Where("id IN ?", instanceIDs).Find(&instances).Error; err != nil {
		return nil, 0, httpx.ErrDatabaseError("failed to query instances", err)
	}
	instanceNames := make(map[int]string, len(instances))
	for _, inst := range instances {
		instanceNames[inst.ID] = inst.Name
	}

	var envs []model.Environment
	if err := s.db.WithContext(ctx).Where("id IN ?", envIDs).Find(&envs).Error; err != nil {
		return nil, 0, httpx.ErrDatabaseError("failed to query environments", err)
	}
	envNames := make(map[int]string, len(envs))
	for _, env := range envs {
		envNames[env.ID] = env.Name
	}

	var users []model.OrderUser
	if err := s.db.WithContext(ctx).Where("order_id IN ?", ids).Find(&users).Error; err != nil {
		return nil, 0, httpx.ErrDatabaseError("failed to query order users", err)
	}
	byOrder := make(map[int][]model.OrderUser)
	for _, u := range users {
		byOrder[u.OrderID] = append(byOrder[u.OrderID], u)
	}

	for _, o := range orders {
		if !authz.CanView(caller, &o, authz.FromOrderUsers(byOrder[o.ID])) {
			o.SQLContent = ""
		}
		o.CheckFindings = nil
		items = append(items, ListItem{
			Order:           o,
			InstanceName:    instanceNames[o.InstanceID],
			EnvironmentName: envNames[o.EnvironmentID],
		})
	}
	return items, total, nil
}

// Detail 工单详情
type Detail struct {
	model.Order
	InstanceName    string             `json:"instanceName"`
	EnvironmentName string             `json:"environmentName"`
	Reviewers       []model.User       `json:"reviewers"`
	Auditors        []model.User       `json:"auditors"`
	CCUsers         []model.User       `json:"ccUsers"`
	Tasks           []model.OrderTask  `json:"tasks"`
	OpLogs          []model.OrderOpLog `json:"opLogs"`
	Hooks           []model.OrderHook  `json:"hooks,omitempty"`
	SQLVisible      bool               `json:"sqlVisible"`
}

// Detail returns an order with its participants, tasks and history.
// SQL of restricted orders is hidden from non-participants.
func (s *Service) Detail(ctx context.Context, caller authz.Caller, orderID int) (*Detail, error) {
	if err := requireOrderID(orderID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	o, p, err := s.Load(db, orderID)
	if err != nil {
		return nil, err
	}

	d := &Detail{Order: *o, SQLVisible: authz.CanView(caller, o, p)}

	var inst model.DBInstance
	if err := db.Select("id", "name").Limit(1).Find(&inst, o.InstanceID).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to query instance", err)
	}
	d.InstanceName = inst.Name
	var env model.Environment
	if err := db.Select("id", "name").Limit(1).Find(&env, o.EnvironmentID).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to query environment", err)
	}
	d.EnvironmentName = env.Name

	var rows []model.OrderUser
	if err := db.Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to query order users", err)
	}
	userIDs := make([]int, 0, len(rows))
	for _, r := range rows {
		userIDs = append(userIDs, r.UserID)
	}
	users := map[int]model.User{}
	if len(userIDs) > 0 {
		var list []model.User
		if err := db.Where("id IN ?", userIDs).Find(&list).Error; err != nil {
			return nil, httpx.ErrDatabaseError("failed to query users", err)
		}
		for _, u := range list {
			users[u.ID] = u
		}
	}
	d.Reviewers, d.Auditors, d.CCUsers = []model.User{}, []model.User{}, []model.User{}
	for _, r := range rows {
		u, ok := users[r.UserID]
		if !ok {
			u = model.User{Username: r.Username}
			u.ID = r.UserID
		}
		switch r.Relation {
		case model.OrderRelationReviewer:
			d.Reviewers = append(d.Reviewers, u)
		case model.OrderRelationAuditor:
			d.Auditors = append(d.Auditors, u)
		case model.OrderRelationCC:
			d.CCUsers = append(d.CCUsers, u)
		}
	}

	if err := db.Where("order_id = ?", orderID).Order("seq ASC").Find(&d.Tasks).Error; err != nil {
		return nil, httpx.ErrDatabaseError("failed to query tasks", err)
	}
	d.OpLogs, err = s.audit.List(db, orderID)
	if err != nil {
		return nil, httpx.ErrDatabaseError("failed to query oplogs", err)
	}
	if authz.CanHook(caller, o) {
		if err := db.Where("order_id = ?", orderID).Order("id ASC").Find(&d.Hooks).Error; err != nil {
			return nil, httpx.ErrDatabaseError("failed to query hooks", err)
		}
	}

	if !d.SQLVisible {
		d.SQLContent = ""
		d.CheckFindings = nil
		for i := range d.Tasks {
			d.Tasks[i].SQLContent = ""
		}
	}
	return d, nil
}

// OpLogs returns the history of an order in chronological order
func (s *Service) OpLogs(ctx context.Context, orderID int) ([]model.OrderOpLog, error) {
	if err := requireOrderID(orderID); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, orderID); err != nil {
		return nil, err
	}
	logs, err := s.audit.List(s.db.WithContext(ctx), orderID)
	if err != nil {
		return nil, httpx.ErrDatabaseError("failed to query oplogs", err)
	}
	return logs, nil
}

// CanWatch reports whether the caller may follow live events of the order
func (s *Service) CanWatch(ctx context.Context, caller authz.Caller, orderID int) error {
	o, p, err := s.Load(s.db.WithContext(ctx), orderID)
	if err != nil {
		return err
	}
	if !authz.CanView(caller, o, p) {
		return httpx.ErrNotAuthorized(fmt.Sprintf("order %d is restricted", orderID))
	}
	return nil
}
