// Package catalog holds the registered job definitions and job queues of one backend.
//
// It is implemented on top of https://github.com/hashicorp/go-memdb so that every
// accepted alias of a resource (ARN, "name:revision", plain name) is an index lookup.
package catalog

import (
	"regexp"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/Popie52/batchqueue/internal/model"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

type DefinitionSpec struct {
	Name          string
	Type          string
	Container     model.ContainerProperties
	RetryAttempts int
	Timeout       *time.Duration
}

type QueueSpec struct {
	Name     string
	Priority int
	State    model.QueueState
}

// QueueUpdate carries the optional fields of an UpdateQueue call.
type QueueUpdate struct {
	State    *model.QueueState
	Priority *int
}

type Catalog struct {
	region  string
	account string
	db      *memdb.MemDB
}

func New(region, account string) (*Catalog, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Catalog{region: region, account: account, db: db}, nil
}

// RegisterDefinition stores a new revision of the named definition.
func (c *Catalog) RegisterDefinition(spec DefinitionSpec) (*model.JobDefinition, error) {
	if !validName.MatchString(spec.Name) {
		return nil, &model.ErrInvalidArgument{Name: "jobDefinitionName", Value: spec.Name, Message: "must be 1-128 letters, numbers, hyphens or underscores"}
	}
	if spec.RetryAttempts < 0 || spec.RetryAttempts > model.MaxRetryAttempts {
		return nil, &model.ErrInvalidArgument{Name: "retryStrategy.attempts", Value: spec.RetryAttempts, Message: "must be between 1 and 10"}
	}
	if spec.Timeout != nil && *spec.Timeout < 0 {
		return nil, &model.ErrInvalidArgument{Name: "timeout", Value: spec.Timeout.String(), Message: "must not be negative"}
	}
	if spec.Type == "" {
		spec.Type = "container"
	}
	if spec.RetryAttempts == 0 {
		spec.RetryAttempts = model.DefaultRetryAttempts
	}

	txn := c.db.Txn(true)
	defer txn.Abort()

	revision := 1
	iter, err := txn.Get(definitionsTable, nameIndex, spec.Name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		if r := obj.(*definitionRow).Def.Revision; r >= revision {
			revision = r + 1
		}
	}

	// Clone so the caller's container maps and slices never alias the stored row.
	stored := model.JobDefinition{
		Name:          spec.Name,
		Revision:      revision,
		Arn:           model.DefinitionArn(c.region, c.account, spec.Name, revision),
		Type:          spec.Type,
		Status:        model.DefinitionActive,
		Container:     spec.Container,
		RetryAttempts: spec.RetryAttempts,
		Timeout:       spec.Timeout,
	}.Clone()
	def := &stored
	if err := txn.Insert(definitionsTable, newDefinitionRow(def)); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return copyDefinition(def), nil
}

// DeregisterDefinition marks a definition INACTIVE. Jobs already submitted keep their copy.
func (c *Catalog) DeregisterDefinition(id string) error {
	txn := c.db.Txn(true)
	defer txn.Abort()

	row, err := firstDefinition(txn, id)
	if err != nil {
		return err
	}
	if row == nil {
		return &model.ErrNotFound{Type: model.ResourceDefinition, Value: id}
	}
	def := copyDefinition(row.Def)
	def.Status = model.DefinitionInactive
	if err := txn.Insert(definitionsTable, newDefinitionRow(def)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

// GetDefinition resolves id as an ARN, then as "name:revision", then as a plain name
// meaning the latest ACTIVE revision. Inactive definitions are not returned.
func (c *Catalog) GetDefinition(id string) (*model.JobDefinition, error) {
	txn := c.db.Txn(false)

	row, err := firstDefinition(txn, id)
	if err != nil {
		return nil, err
	}
	if row != nil {
		if row.Def.Status != model.DefinitionActive {
			return nil, &model.ErrNotFound{Type: model.ResourceDefinition, Value: id, Message: "definition is inactive"}
		}
		return copyDefinition(row.Def), nil
	}

	iter, err := txn.Get(definitionsTable, nameIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var latest *model.JobDefinition
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		def := obj.(*definitionRow).Def
		if def.Status == model.DefinitionActive && (latest == nil || def.Revision > latest.Revision) {
			latest = def
		}
	}
	if latest == nil {
		return nil, &model.ErrNotFound{Type: model.ResourceDefinition, Value: id}
	}
	return copyDefinition(latest), nil
}

// ListDefinitions returns definitions ordered by name and revision.
// An empty name matches every definition; an empty status matches both states.
func (c *Catalog) ListDefinitions(name string, status model.DefinitionStatus) ([]*model.JobDefinition, error) {
	txn := c.db.Txn(false)

	var (
		iter memdb.ResultIterator
		err  error
	)
	if name != "" {
		iter, err = txn.Get(definitionsTable, nameIndex, name)
	} else {
		iter, err = txn.Get(definitionsTable, idIndex)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*model.JobDefinition, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		def := obj.(*definitionRow).Def
		if status == "" || def.Status == status {
			result = append(result, copyDefinition(def))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].Revision < result[j].Revision
	})
	return result, nil
}

func (c *Catalog) CreateQueue(spec QueueSpec) (*model.JobQueueInfo, error) {
	if !validName.MatchString(spec.Name) {
		return nil, &model.ErrInvalidArgument{Name: "jobQueueName", Value: spec.Name, Message: "must be 1-128 letters, numbers, hyphens or underscores"}
	}
	if spec.State == "" {
		spec.State = model.QueueEnabled
	}
	if err := validateState(spec.State); err != nil {
		return nil, err
	}

	txn := c.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(queuesTable, nameIndex, spec.Name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if existing != nil {
		return nil, &model.ErrAlreadyExists{Type: model.ResourceQueue, Value: spec.Name}
	}
	info := &model.JobQueueInfo{
		Name:     spec.Name,
		Arn:      model.QueueArn(c.region, c.account, spec.Name),
		State:    spec.State,
		Priority: spec.Priority,
	}
	if err := txn.Insert(queuesTable, newQueueRow(info)); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	cp := *info
	return &cp, nil
}

// GetQueue resolves id as an ARN, then as a queue name.
func (c *Catalog) GetQueue(id string) (*model.JobQueueInfo, error) {
	row, err := firstQueue(c.db.Txn(false), id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &model.ErrNotFound{Type: model.ResourceQueue, Value: id}
	}
	cp := *row.Info
	return &cp, nil
}

func (c *Catalog) UpdateQueue(id string, update QueueUpdate) (*model.JobQueueInfo, error) {
	if update.State != nil {
		if err := validateState(*update.State); err != nil {
			return nil, err
		}
	}

	txn := c.db.Txn(true)
	defer txn.Abort()

	row, err := firstQueue(txn, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, &model.ErrNotFound{Type: model.ResourceQueue, Value: id}
	}
	info := *row.Info
	if update.State != nil {
		info.State = *update.State
	}
	if update.Priority != nil {
		info.Priority = *update.Priority
	}
	if err := txn.Insert(queuesTable, newQueueRow(&info)); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	cp := info
	return &cp, nil
}

// ListQueues returns queues in dispatch order: highest priority first, ties by name.
func (c *Catalog) ListQueues() ([]*model.JobQueueInfo, error) {
	iter, err := c.db.Txn(false).Get(queuesTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*model.JobQueueInfo, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		cp := *obj.(*queueRow).Info
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// Seed registers every queue and definition, collecting all failures.
func (c *Catalog) Seed(queues []QueueSpec, definitions []DefinitionSpec) error {
	var result *multierror.Error
	for _, q := range queues {
		if _, err := c.CreateQueue(q); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "queue %s", q.Name))
		}
	}
	for _, d := range definitions {
		if _, err := c.RegisterDefinition(d); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "definition %s", d.Name))
		}
	}
	return result.ErrorOrNil()
}

func firstDefinition(txn *memdb.Txn, id string) (*definitionRow, error) {
	for _, index := range []string{idIndex, keyIndex} {
		obj, err := txn.First(definitionsTable, index, id)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if obj != nil {
			return obj.(*definitionRow), nil
		}
	}
	return nil, nil
}

func firstQueue(txn *memdb.Txn, id string) (*queueRow, error) {
	for _, index := range []string{idIndex, nameIndex} {
		obj, err := txn.First(queuesTable, index, id)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if obj != nil {
			return obj.(*queueRow), nil
		}
	}
	return nil, nil
}

func newDefinitionRow(def *model.JobDefinition) *definitionRow {
	return &definitionRow{Arn: def.Arn, Key: def.Key(), Name: def.Name, Def: def}
}

func newQueueRow(info *model.JobQueueInfo) *queueRow {
	return &queueRow{Arn: info.Arn, Name: info.Name, Info: info}
}

func copyDefinition(def *model.JobDefinition) *model.JobDefinition {
	cp := def.Clone()
	return &cp
}

func validateState(state model.QueueState) error {
	if state != model.QueueEnabled && state != model.QueueDisabled {
		return &model.ErrInvalidArgument{Name: "state", Value: string(state), Message: "must be ENABLED or DISABLED"}
	}
	return nil
}
