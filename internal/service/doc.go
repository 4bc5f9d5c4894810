// Package service contains the application services coordinating
// between stores and the job broker. Services own the business rules;
// persistence and delivery mechanics stay behind the interfaces they
// depend on.
package service
