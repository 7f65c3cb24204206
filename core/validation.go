// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"fmt"
	"regexp"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateTenantID checks that id is non-empty and safe to use as a directory name.
func ValidateTenantID(id TenantID) error {
	if id == "" {
		return fmt.Errorf("%w: tenant id is empty", ErrValidation)
	}
	if !tenantIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: tenant id %q contains unsupported characters", ErrValidation, id)
	}
	return nil
}

// ValidateTenant checks a tenant record before it is stored.
func ValidateTenant(tenant *Tenant) error {
	if tenant == nil {
		return fmt.Errorf("%w: tenant is nil", ErrValidation)
	}
	if err := ValidateTenantID(tenant.ID); err != nil {
		return err
	}
	if tenant.OwnerID == "" {
		return fmt.Errorf("%w: tenant owner is empty", ErrValidation)
	}
	if tenant.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrValidation, tenant.Dimension)
	}
	return nil
}

// ValidateTask checks a task record at submission time.
func ValidateTask(task *Task) error {
	if task == nil {
		return fmt.Errorf("%w: task is nil", ErrValidation)
	}
	if err := ValidateTenantID(task.TenantID); err != nil {
		return err
	}
	if task.Source == "" {
		return fmt.Errorf("%w: task source is empty", ErrValidation)
	}
	if task.OwnerID == "" {
		return fmt.Errorf("%w: task owner is empty", ErrValidation)
	}
	return nil
}

// CheckOwnership fails with ErrPermissionDenied unless the requester is an
// admin, an internal caller, or the tenant's owner.
func CheckOwnership(requester *Requester, tenant *Tenant) error {
	if requester.Owns(tenant.OwnerID) {
		return nil
	}
	return fmt.Errorf("%w: user %q does not own tenant %q", ErrPermissionDenied, requester.UserID, tenant.ID)
}
