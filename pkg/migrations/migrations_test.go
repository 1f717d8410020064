package migrations_test

import (
	"context"
	"os"
	"path"

	"github.com/SDU-eScience/UCloud-sub028/internal/config"
	"github.com/SDU-eScience/UCloud-sub028/internal/store"
	"github.com/SDU-eScience/UCloud-sub028/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("migrations", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
	})

	AfterAll(func() {
		s.Close()
	})

	Context("store migrations", Ordered, func() {
		It("fails to migration the db -- migration folder does not exists", func() {
			cfg := config.NewDefault()
			cfg.Service.MigrationFolder = "some folder"
			err := migrations.MigrateStore(context.TODO(), gormdb, cfg)
			Expect(err).NotTo(BeNil())
		})

		It("fails to migration the db -- migration folder is a file", func() {
			currentFolder, err := os.Getwd()
			Expect(err).To(BeNil())
			cfg := config.NewDefault()
			cfg.Service.MigrationFolder = path.Join(currentFolder, "migrations.go")
			err = migrations.MigrateStore(context.TODO(), gormdb, cfg)
			Expect(err).NotTo(BeNil())
		})

		It("sucessfully migrate the db", func() {
			currentFolder, err := os.Getwd()
			Expect(err).To(BeNil())
			cfg := config.NewDefault()
			cfg.Service.MigrationFolder = path.Join(currentFolder, "sql")

			err = migrations.MigrateStore(context.TODO(), gormdb, cfg)
			Expect(err).To(BeNil())

			for _, table := range []string{"providers", "applications", "jobs", "resources", "acl_entries"} {
				Expect(gormdb.Migrator().HasTable(table)).To(BeTrue(), table)
			}

			// a second run finds nothing to apply
			Expect(migrations.MigrateStore(context.TODO(), gormdb, cfg)).To(Succeed())
		})

		It("keeps the natural key of resources unique", func() {
			currentFolder, err := os.Getwd()
			Expect(err).To(BeNil())
			cfg := config.NewDefault()
			cfg.Service.MigrationFolder = path.Join(currentFolder, "sql")
			Expect(migrations.MigrateStore(context.TODO(), gormdb, cfg)).To(Succeed())

			insert := "INSERT INTO resources (id, type, owner, workspace, natural_key, product_id, product_category, product_provider) VALUES (?, 'share', 'alice', 'alice', '/home/alice', 'p', 'c', 'k8s');"
			Expect(gormdb.Exec(insert, "1").Error).To(BeNil())
			Expect(gormdb.Exec(insert, "2").Error).NotTo(BeNil())
		})

		AfterEach(func() {
			gormdb.Exec("DROP TABLE IF EXISTS acl_entries;")
			gormdb.Exec("DROP TABLE IF EXISTS resources;")
			gormdb.Exec("DROP TABLE IF EXISTS jobs;")
			gormdb.Exec("DROP TABLE IF EXISTS applications;")
			gormdb.Exec("DROP TABLE IF EXISTS providers;")
			gormdb.Exec("DROP TABLE IF EXISTS goose_db_version;")
		})
	})
})
