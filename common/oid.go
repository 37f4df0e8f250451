package common

// oid is object id
// in pxdb, this is used as the identifier of tables, databases and roles
// see https://github.com/postgres/postgres/blob/2f47715cc8649f854b1df28dfc338af9801db217/src/include/postgres_ext.h#L28-L31
type oid uint32

// Relation is table oid
// table information is stored in system catalog (pg_class table)
// the oid is uniquely allocated to each table when created
// the logic to access table is described below
// - get the table oid from pg_class table (the table is specified in sql)
// - identify the file path with table oid
type Relation oid

// Database is database oid
// a prepared transaction records the database it was prepared in and
// it can be finished only from the same database
type Database oid

// Role is role(user) oid
// a prepared transaction records the role which prepared it and
// only the same role or a superuser can finish it
type Role oid

// InvalidRole is role oid which indicates `no role`
const InvalidRole Role = 0

// BootstrapSuperuserRole is the oid of the bootstrap superuser,
// which can finish any prepared transaction regardless of its owner
// see https://github.com/postgres/postgres/blob/2f47715cc8649f854b1df28dfc338af9801db217/src/include/catalog/pg_authid.dat#L25
const BootstrapSuperuserRole Role = 10
