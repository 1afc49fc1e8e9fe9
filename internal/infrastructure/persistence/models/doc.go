// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns.
//
// Column names follow the existing warehouse schema (nfe_cabecalho, nfe_itens,
// nfe_pagamentos, contatos, produtos, oauth_tokens, etl_controle), which downstream
// reports already query. Migrations under /migrations are the source of truth; the
// tags here are kept in sync so AutoMigrate can build the same shape in tests.
package models
